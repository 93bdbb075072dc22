package tagalloc

import (
	"container/list"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/kalloc"
	"github.com/shenjiangwei/kalloc/logger"
)

// tagRecordSize is the kalloc footprint of one tag: list links, refcount,
// attributes, state and the name buffer.
const tagRecordSize = 16 + 4 + 4 + 4 + MaxNameLen

// Registry tracks the live tags of one allocator
type Registry struct {
	alloc *kalloc.Allocator

	mutex sync.Mutex
	tags  *list.List
}

// NewRegistry creates an empty registry allocating from a
func NewRegistry(a *kalloc.Allocator) *Registry {
	return &Registry{
		alloc: a,
		tags:  list.New(),
	}
}

// Create makes a Valid tag holding one reference, owned by the caller
func (r *Registry) Create(name string, flags Flags) (*Tag, error) {
	record, err := r.alloc.Alloc(tagRecordSize)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating tag %q", name)
	}

	t := &Tag{
		name:     truncateName(name),
		attr:     flags & Pageable,
		registry: r,
		record:   record,
	}
	t.refs.Store(1)

	r.mutex.Lock()
	t.elem = r.tags.PushBack(t)
	r.mutex.Unlock()
	t.state.Store(uint32(Valid))

	logger.Debug("Created tag %q at %#x", t.name, record)
	return t, nil
}

// collect unlinks a Collected tag and frees its record
func (r *Registry) collect(t *Tag) {
	r.mutex.Lock()
	r.tags.Remove(t.elem)
	t.elem = nil
	r.mutex.Unlock()

	if err := r.alloc.Free(t.record, tagRecordSize); err != nil {
		logger.Error("Failed to free record of tag %q: %v", t.name, err)
	}
	logger.Debug("Collected tag %q", t.name)
}

// Len returns the number of linked tags
func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.tags.Len()
}

// Names returns the names of the linked tags in creation order
func (r *Registry) Names() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	names := make([]string, 0, r.tags.Len())
	for e := r.tags.Front(); e != nil; e = e.Next() {
		names = append(names, e.Value.(*Tag).name)
	}
	return names
}

// Each calls fn for every linked tag while holding the registry lock. fn
// must not create or collect tags.
func (r *Registry) Each(fn func(*Tag)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for e := r.tags.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*Tag))
	}
}

// Allocator returns the allocator tagged memory comes from
func (r *Registry) Allocator() *kalloc.Allocator {
	return r.alloc
}
