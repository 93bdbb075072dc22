// Package tagalloc attributes allocations to named, refcounted tags.
//
// Every allocation made under a tag holds a reference on it until freed.
// The creator owns one more reference and gives it up with Release; the
// tag is unlinked from its registry and its record reclaimed when the last
// reference goes away after Release.
package tagalloc

import (
	"container/list"
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/logger"
)

// MaxNameLen bounds tag names; longer names are truncated
const MaxNameLen = 64

// Flags are tag attributes
type Flags uint32

const (
	// Pageable routes page-sized and larger tagged allocations to pageable
	// virtual memory instead of kalloc
	Pageable Flags = 1 << iota
)

// State is the lifecycle state of a tag
type State uint32

const (
	stateMagic State = 0xdeab0000
	stateMask  State = 0xffff0000

	// Valid tags accept new references
	Valid State = stateMagic | 0x1
	// Released tags have lost their owner; outstanding references drain
	Released State = stateMagic | 0x2
	// Collected tags are unlinked and reclaimed
	Collected State = stateMagic | 0x4
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case Released:
		return "released"
	case Collected:
		return "collected"
	default:
		return fmt.Sprintf("State(%#08x)", uint32(s))
	}
}

// Tag is a named allocation tag
type Tag struct {
	name  string
	attr  Flags
	refs  atomic.Int32
	state atomic.Uint32

	registry *Registry
	record   uint64 // address of the tag record in kalloc
	elem     *list.Element
}

// Name returns the tag name
func (t *Tag) Name() string {
	return t.name
}

// Flags returns the tag attributes
func (t *Tag) Flags() Flags {
	return t.attr
}

// Pageable reports whether the tag has the Pageable attribute
func (t *Tag) Pageable() bool {
	return t.attr&Pageable != 0
}

// Refs returns the current reference count
func (t *Tag) Refs() int32 {
	return t.refs.Load()
}

// State returns the lifecycle state
func (t *Tag) State() State {
	return State(t.state.Load())
}

// Ref takes a reference on the tag. The tag must be Valid.
func (t *Tag) Ref() {
	if s := t.State(); s != Valid {
		t.fatal("Ref", s)
	}
	t.refs.Add(1)
}

// Unref drops a reference taken by Ref. The tag must not be Collected.
func (t *Tag) Unref() {
	if s := t.State(); s != Valid && s != Released {
		t.fatal("Unref", s)
	}
	t.drop("Unref")
}

// Release gives up the creator's reference. After Release the tag accepts
// no new references and is collected once the outstanding ones drain.
func (t *Tag) Release() {
	if !t.state.CompareAndSwap(uint32(Valid), uint32(Released)) {
		t.fatal("Release", t.State())
	}
	t.drop("Release")
}

// drop decrements the refcount and collects the tag when it reaches zero.
// Only the Released to Collected transition may finalize, so a count that
// hits zero while the tag is still Valid means the owner's reference was
// dropped with Unref instead of Release.
func (t *Tag) drop(op string) {
	n := t.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 || !t.state.CompareAndSwap(uint32(Released), uint32(Collected)) {
		panic(errors.AssertionFailedf("tagalloc: %s: tag %q dropped to refcount %d in state %s",
			op, t.name, n, t.State()))
	}
	t.registry.collect(t)
}

func (t *Tag) fatal(op string, s State) {
	if s&stateMask != stateMagic {
		panic(errors.AssertionFailedf("tagalloc: %s: tag %q has bad state %#08x", op, t.name, uint32(s)))
	}
	logger.Error("%s on tag %q in state %s", op, t.name, s)
	panic(errors.AssertionFailedf("tagalloc: %s: tag %q is %s", op, t.name, s))
}

// truncateName cuts name to MaxNameLen bytes without splitting a rune
func truncateName(name string) string {
	if len(name) <= MaxNameLen {
		return name
	}
	n := MaxNameLen
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n]
}
