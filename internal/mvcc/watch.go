package mvcc

import (
	"bytes"
	"sync"
)

// EventType identifies a watch event.
type EventType string

// Watch event kinds.
const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is delivered to watchers when a transaction's write commits.
type Event struct {
	Key      []byte
	Type     EventType
	Value    []byte
	CommitTS uint64
}

// Watcher receives events for keys under its prefix on channel C. The channel
// is closed when the watcher is closed, or when it falls too far behind:
// delivery never blocks the apply path, so a watcher whose buffer is full is
// dropped.
type Watcher struct {
	C <-chan Event

	hub *watchHub
	id  uint64
}

// Close unregisters the watcher and closes its channel.
func (w *Watcher) Close() {
	w.hub.remove(w.id)
}

type watchEntry struct {
	prefix []byte
	ch     chan Event
}

type watchHub struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*watchEntry
}

func newWatchHub() *watchHub {
	return &watchHub{entries: make(map[uint64]*watchEntry)}
}

func (h *watchHub) register(prefix []byte, buf int) *Watcher {
	if buf <= 0 {
		buf = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	entry := &watchEntry{
		prefix: append([]byte(nil), prefix...),
		ch:     make(chan Event, buf),
	}
	h.entries[h.nextID] = entry
	return &Watcher{C: entry.ch, hub: h, id: h.nextID}
}

func (h *watchHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry, ok := h.entries[id]; ok {
		delete(h.entries, id)
		close(entry.ch)
	}
}

func (h *watchHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, entry := range h.entries {
		if !bytes.HasPrefix(ev.Key, entry.prefix) {
			continue
		}
		select {
		case entry.ch <- ev:
		default:
			delete(h.entries, id)
			close(entry.ch)
		}
	}
}
