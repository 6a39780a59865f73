package core

import "context"

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// Change is one event on a watched collection.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Key   string     `json:"key"`
	Value []byte     `json:"value,omitempty"`
}

// Item is one child of a collection.
type Item struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Store is a real-time collection store: every collection is a set of keyed
// children, and watchers see every child add/update/remove.
// No ordering or exactly-once guarantee is required of implementations.
type Store interface {
	// Put creates or replaces a child.
	Put(ctx context.Context, collection, key string, value []byte) error
	// Push appends a child under a fresh time-ordered key and returns the key.
	Push(ctx context.Context, collection string, value []byte) (string, error)
	// Remove deletes a child. Removing a missing child is not an error.
	Remove(ctx context.Context, collection, key string) error
	Get(ctx context.Context, collection, key string) ([]byte, bool, error)
	// List returns the current children in insertion order.
	List(ctx context.Context, collection string) ([]Item, error)
	// Watch delivers the existing children as ChangeAdded, then live changes,
	// until ctx is cancelled; the channel is closed afterwards.
	Watch(ctx context.Context, collection string) (<-chan Change, error)
}
