package store

import (
	"sync"
	"time"

	"github.com/killallgit/somleng/internal/models"
)

// op is one of the list mutations the store knows how to apply
type op int

const (
	// opInsert prepends the item unless its id is already present.
	// Remote insert events use it so an echo of an optimistic add is dropped.
	opInsert op = iota
	// opUpsert prepends a new id and replaces a known one. Local results
	// use it since they are at least as fresh as anything already held.
	opUpsert
	// opReplace swaps in the item only when its id is present. Remote
	// updates use it so a locally removed row is never resurrected.
	opReplace
	// opRemove drops the id when present
	opRemove
)

func (o op) String() string {
	switch o {
	case opInsert:
		return "insert"
	case opUpsert:
		return "upsert"
	case opReplace:
		return "replace"
	case opRemove:
		return "remove"
	}
	return "unknown"
}

// reconcile applies o to list and reports whether anything changed. Lists
// are newest first; new ids go to the front. The returned slice may share
// storage with list.
func reconcile[T any](list []T, key func(T) string, o op, item T) ([]T, bool) {
	id := key(item)
	idx := -1
	for i := range list {
		if key(list[i]) == id {
			idx = i
			break
		}
	}

	switch o {
	case opInsert, opUpsert:
		if idx < 0 {
			out := make([]T, 0, len(list)+1)
			out = append(out, item)
			return append(out, list...), true
		}
		if o == opInsert {
			return list, false
		}
		list[idx] = item
		return list, true
	case opReplace:
		if idx < 0 {
			return list, false
		}
		list[idx] = item
		return list, true
	case opRemove:
		if idx < 0 {
			return list, false
		}
		return append(list[:idx], list[idx+1:]...), true
	}
	return list, false
}

func projectKey(p models.Project) string { return p.ID }

func fileKey(f models.AudioFile) string { return f.ID }

// newer reports whether held was stamped after incoming. Unstamped rows
// never count as newer.
func newer(held, incoming time.Time) bool {
	return !held.IsZero() && !incoming.IsZero() && held.After(incoming)
}

// feedGate holds change events back until open is called, then replays
// them in arrival order. A nil gate passes every event straight through.
type feedGate struct {
	mu      sync.Mutex
	live    bool
	pending []func(replayed bool)
}

func (g *feedGate) do(apply func(replayed bool)) {
	if g == nil {
		apply(false)
		return
	}
	g.mu.Lock()
	if !g.live {
		g.pending = append(g.pending, apply)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	apply(false)
}

// open replays the held events and lets later ones through. Events that
// arrive during the replay wait for it to finish.
func (g *feedGate) open() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.pending)
	for _, apply := range g.pending {
		apply(true)
	}
	g.pending = nil
	g.live = true
	return n
}
