package cache

import (
	"time"
)

// Storage holds named cache stores.
// It stores and retrieves []byte values, which represent HTTP responses,
// grouped in stores identified by name (e.g. "kassenbon-analyzer-v1-static").
// Stores are kept in creation order, which is the order Match searches them.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if absent.
	Open(name string) (Store, error)
	// Has checks if a store with the given name exists.
	Has(name string) (bool, error)
	// Delete removes the named store and all of its entries.
	// It returns false if there was no such store.
	Delete(name string) (bool, error)
	// Keys returns the names of all stores, oldest first.
	Keys() ([]string, error)
	// Match returns the first entry stored under key, searching the stores
	// in creation order.
	Match(key string) (Entry, bool, error)
}

// Store is a single named cache.
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// Match returns the entry stored under key, if any.
	Match(key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	Put(entry Entry) error
	// Delete removes the entry stored under key.
	// It returns false if there was no such entry.
	Delete(key string) (bool, error)
	// Keys returns the keys of all entries in the store.
	Keys() ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
