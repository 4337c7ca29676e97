package connection

import (
	"errors"
	"fmt"
	"sync"
)

var (
	errDuplicateGUID = errors.New("guid already exists")
	errUnknownReply  = errors.New("no request is waiting for this reply")
)

func errMissingRef(path string) error {
	return fmt.Errorf("params have no object reference at %q", path)
}

// registry is the address space of remote objects. Disposed guids are kept
// as tombstones for the lifetime of the connection so lookups can tell a
// detached object from one that never existed.
type registry struct {
	mu       sync.Mutex
	objects  map[string]*ChannelOwner
	detached map[string]string
}

func newRegistry() *registry {
	return &registry{
		objects:  make(map[string]*ChannelOwner),
		detached: make(map[string]string),
	}
}

func (r *registry) lookup(guid string) (*ChannelOwner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lookupLocked(guid)
}

func (r *registry) lookupLocked(guid string) (*ChannelOwner, error) {
	if o, ok := r.objects[guid]; ok {
		return o, nil
	}
	if typ, ok := r.detached[guid]; ok {
		return nil, &DetachedError{GUID: guid, Type: typ}
	}
	return nil, &UnknownObjectError{GUID: guid}
}

// check verifies that guid may be created under parentGUID and returns the
// parent.
func (r *registry) check(parentGUID, guid string) (*ChannelOwner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.objects[guid]; ok {
		return nil, errDuplicateGUID
	}
	if _, ok := r.detached[guid]; ok {
		return nil, errDuplicateGUID
	}
	parent, err := r.lookupLocked(parentGUID)
	if err != nil {
		return nil, fmt.Errorf("parent: %w", err)
	}

	return parent, nil
}

// insert makes o addressable and attaches it to its parent.
func (r *registry) insert(o *ChannelOwner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.objects[o.guid]; ok {
		return errDuplicateGUID
	}
	r.objects[o.guid] = o
	if o.parent != nil {
		o.parent.children[o.guid] = o
	}

	return nil
}

// dispose removes o and its descendants, children before their parents,
// marking each with the error returned by cause. The dispose callbacks of
// the removed objects run after the lock is released, in the same order.
func (r *registry) dispose(o *ChannelOwner, cause func(*ChannelOwner) error) []*ChannelOwner {
	r.mu.Lock()
	var removed []*ChannelOwner
	var walk func(*ChannelOwner)
	walk = func(o *ChannelOwner) {
		for _, ch := range o.children {
			walk(ch)
		}
		o.children = make(map[string]*ChannelOwner)
		delete(r.objects, o.guid)
		r.detached[o.guid] = o.typ
		o.markDisposed(cause(o))
		removed = append(removed, o)
	}
	if _, ok := r.objects[o.guid]; ok {
		walk(o)
		if o.parent != nil {
			delete(o.parent.children, o.guid)
		}
	}
	r.mu.Unlock()

	for _, o := range removed {
		o.release()
	}

	return removed
}

// len returns the number of live objects, the root included.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}
