package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory for local runs without an
// object store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *MemoryStore) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey]
	if !ok {
		return nil, errMissing(objectKey)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryStore) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[objectKey]
	return ok, nil
}

func (m *MemoryStore) PresignedGetURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	if ok, _ := m.ObjectExists(context.Background(), objectKey); !ok {
		return "", errMissing(objectKey)
	}
	return "memory://" + objectKey, nil
}

// ContentType returns the content type recorded for objectKey.
func (m *MemoryStore) ContentType(objectKey string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[objectKey].contentType
}
