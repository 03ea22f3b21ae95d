package kvdb

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Interface implementation for tests: orchestrator and
// plugin tests substitute it for a live etcd cluster.
type Fake struct {
	mu   sync.RWMutex
	data map[string][]byte
	subs []chan Event
}

// NewFake returns an empty in-memory store.
func NewFake() *Fake {
	return &Fake{data: make(map[string][]byte)}
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (f *Fake) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	f.data[key] = append([]byte(nil), value...)
	subs := append([]chan Event(nil), f.subs...)
	f.mu.Unlock()

	for _, s := range subs {
		s <- Event{Key: key, Value: value, Kind: EventPut}
	}
	return nil
}

func (f *Fake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.data, key)
	subs := append([]chan Event(nil), f.subs...)
	f.mu.Unlock()

	for _, s := range subs {
		s <- Event{Key: key, Kind: EventDelete}
	}
	return nil
}

func (f *Fake) PrefixScan(_ context.Context, prefix string) ([]KV, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []KV
	for k, v := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KV{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Healthy always reports true: the in-memory store has no connectivity to lose.
func (f *Fake) Healthy(_ context.Context) bool {
	return true
}

// Watch returns events for keys under prefix; it is delivered from a
// per-watcher goroutine so multiple watches can coexist.
func (f *Fake) Watch(ctx context.Context, prefix string) <-chan Event {
	raw := make(chan Event, 16)
	out := make(chan Event)

	f.mu.Lock()
	f.subs = append(f.subs, raw)
	f.mu.Unlock()

	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-raw:
				if !ok {
					return
				}
				if !strings.HasPrefix(ev.Key, prefix) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
