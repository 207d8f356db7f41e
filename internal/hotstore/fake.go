package hotstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeStore is an in-memory HotStore for tests, used in place of the
// pack's redismock/v8 (superseded by the v9 client — see DESIGN.md).
type FakeStore struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	now     func() time.Time
}

func NewFakeStore() *FakeStore {
	return &FakeStore{values: make(map[string]string), expires: make(map[string]time.Time), now: time.Now}
}

func (f *FakeStore) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.expires[key] = f.now().Add(ttl)
	return nil
}

func (f *FakeStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exp, ok := f.expires[key]; ok && f.now().After(exp) {
		delete(f.values, key)
		delete(f.expires, key)
		return "", false, nil
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *FakeStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range f.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *FakeStore) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.expires, key)
	return nil
}

func (f *FakeStore) Ping(ctx context.Context) error { return nil }

func (f *FakeStore) Info(ctx context.Context) (string, error) { return "fake_store:ok", nil }
