package cache

import (
	"sort"
	"sync"
)

type MemStorage struct {
	mutex  *sync.RWMutex
	order  *[]string
	stores map[string]map[string]Entry
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:  &sync.RWMutex{},
		order:  &[]string{},
		stores: make(map[string]map[string]Entry),
	}
}

func (m MemStorage) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string]Entry)
		*m.order = append(*m.order, name)
	}
	return memStore{m: m, name: name}, nil
}

func (m MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	order := (*m.order)[:0]
	for _, n := range *m.order {
		if n != name {
			order = append(order, n)
		}
	}
	*m.order = order
	return true, nil
}

func (m MemStorage) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string{}, *m.order...), nil
}

func (m MemStorage) Match(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range *m.order {
		if entry, ok := m.stores[name][key]; ok {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

// memStore writes go to the live map of its name. Once the store is deleted
// from the storage, writes through an old handle are dropped.
type memStore struct {
	m    MemStorage
	name string
}

func (c memStore) Name() string {
	return c.name
}

func (c memStore) Match(key string) (Entry, bool, error) {
	c.m.mutex.RLock()
	defer c.m.mutex.RUnlock()
	entry, ok := c.m.stores[c.name][key]
	return entry, ok, nil
}

func (c memStore) Put(entry Entry) error {
	c.m.mutex.Lock()
	defer c.m.mutex.Unlock()
	if entries, ok := c.m.stores[c.name]; ok {
		entries[entry.Key] = entry
	}
	return nil
}

func (c memStore) Delete(key string) (bool, error) {
	c.m.mutex.Lock()
	defer c.m.mutex.Unlock()
	entries := c.m.stores[c.name]
	if _, ok := entries[key]; !ok {
		return false, nil
	}
	delete(entries, key)
	return true, nil
}

func (c memStore) Keys() ([]string, error) {
	c.m.mutex.RLock()
	defer c.m.mutex.RUnlock()
	keys := make([]string, 0, len(c.m.stores[c.name]))
	for key := range c.m.stores[c.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
