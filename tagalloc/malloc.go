package tagalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/kalloc"
)

// ErrPageable is returned by the non-blocking allocators for pageable tags
var ErrPageable = errors.New("pageable tag cannot allocate without blocking")

// Malloc allocates size bytes under tag, holding a reference on the tag
// until the memory is freed with Free.
func (r *Registry) Malloc(size uint64, tag *Tag) (uint64, error) {
	tag.Ref()

	var addr uint64
	var err error
	if r.pageableRoute(size, tag) {
		if addr, err = r.alloc.KernelMap().AllocPageable(size); err != nil {
			err = errors.Mark(err, kalloc.ErrNoMemory)
		}
	} else {
		addr, err = r.alloc.Alloc(size)
	}
	if err != nil {
		tag.Unref()
		return 0, errors.Wrapf(err, "tag %q", tag.name)
	}
	return addr, nil
}

// MallocNoWait allocates size bytes under tag without waiting for memory
func (r *Registry) MallocNoWait(size uint64, tag *Tag) (uint64, error) {
	return r.mallocNoBlock(size, tag)
}

// MallocNoBlock allocates size bytes under tag without blocking
func (r *Registry) MallocNoBlock(size uint64, tag *Tag) (uint64, error) {
	return r.mallocNoBlock(size, tag)
}

func (r *Registry) mallocNoBlock(size uint64, tag *Tag) (uint64, error) {
	if tag.Pageable() {
		return 0, errors.Wrapf(ErrPageable, "tag %q", tag.name)
	}

	tag.Ref()
	addr, err := r.alloc.AllocNoBlock(size)
	if err != nil {
		tag.Unref()
		return 0, errors.Wrapf(err, "tag %q", tag.name)
	}
	return addr, nil
}

// Free releases memory allocated under tag and drops its reference. The
// reference is kept if the memory could not be freed.
func (r *Registry) Free(addr, size uint64, tag *Tag) error {
	var err error
	if r.pageableRoute(size, tag) {
		err = r.alloc.KernelMap().Free(addr, size)
	} else {
		err = r.alloc.Free(addr, size)
	}
	if err != nil {
		return errors.Wrapf(err, "tag %q", tag.name)
	}
	tag.Unref()
	return nil
}

func (r *Registry) pageableRoute(size uint64, tag *Tag) bool {
	return tag.Pageable() && size >= r.alloc.PageSize()
}
