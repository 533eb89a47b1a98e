package xconfbus

import (
	"sort"
	"sync"
)

// latestTable holds the most recent message per topic behind one coarse lock.
// A panic escaping a critical section poisons the table: the panic propagates
// to its caller and every later access fails with ErrLockPoisoned.
type latestTable struct {
	mu       sync.Mutex
	poisoned bool
	entries  map[string]*ConfigMessage
}

func newLatestTable() *latestTable {
	return &latestTable{entries: make(map[string]*ConfigMessage)}
}

func (t *latestTable) withLock(fn func(entries map[string]*ConfigMessage)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.poisoned {
		return ErrLockPoisoned
	}
	completed := false
	defer func() {
		if !completed {
			t.poisoned = true
		}
	}()
	fn(t.entries)
	completed = true
	return nil
}

func (t *latestTable) isPoisoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poisoned
}

func (t *latestTable) get(topic string) (*ConfigMessage, error) {
	var msg *ConfigMessage
	err := t.withLock(func(entries map[string]*ConfigMessage) {
		msg = entries[topic]
	})
	return msg, err
}

func (t *latestTable) snapshot() (map[string]*ConfigMessage, error) {
	var out map[string]*ConfigMessage
	err := t.withLock(func(entries map[string]*ConfigMessage) {
		out = make(map[string]*ConfigMessage, len(entries))
		for k, v := range entries {
			out[k] = v
		}
	})
	return out, err
}

func (t *latestTable) topics() ([]string, error) {
	var out []string
	err := t.withLock(func(entries map[string]*ConfigMessage) {
		out = make([]string, 0, len(entries))
		for k := range entries {
			out = append(out, k)
		}
	})
	sort.Strings(out)
	return out, err
}

func (t *latestTable) size() (int, error) {
	var n int
	err := t.withLock(func(entries map[string]*ConfigMessage) {
		n = len(entries)
	})
	return n, err
}
