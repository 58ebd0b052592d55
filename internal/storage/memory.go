package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store, used when no durable backend is configured
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]*Document
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]*Document)}
}

func copyDoc(d *Document) *Document {
	c := *d
	c.Data = append([]byte(nil), d.Data...)
	return &c
}

// Get implements Store.Get
func (m *MemoryStore) Get(_ context.Context, namespace, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[namespace][id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

// Put implements Store.Put
func (m *MemoryStore) Put(_ context.Context, doc *Document) (*Document, error) {
	if err := validate(doc); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.docs[doc.Namespace]
	if !ok {
		ns = make(map[string]*Document)
		m.docs[doc.Namespace] = ns
	}

	var current int64
	if existing, ok := ns[doc.ID]; ok {
		current = existing.Version
	}
	if current != doc.Version {
		return nil, ErrVersionConflict
	}

	stored := copyDoc(doc)
	stored.Version = current + 1
	stored.UpdatedAt = time.Now().UTC()
	ns[doc.ID] = stored
	return copyDoc(stored), nil
}

// Delete implements Store.Delete
func (m *MemoryStore) Delete(_ context.Context, namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[namespace], id)
	return nil
}

// List implements Store.List
func (m *MemoryStore) List(_ context.Context, namespace string) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]*Document, 0, len(m.docs[namespace]))
	for _, d := range m.docs[namespace] {
		docs = append(docs, copyDoc(d))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Search implements Store.Search
func (m *MemoryStore) Search(ctx context.Context, namespace, query string, limit int) ([]Match, error) {
	docs, _ := m.List(ctx, namespace)
	return rank(docs, query, limit), nil
}

// Close implements Store.Close
func (m *MemoryStore) Close() error {
	return nil
}
