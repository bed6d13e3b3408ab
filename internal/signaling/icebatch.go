package signaling

import (
	"encoding/json"
	"sync"
	"time"
)

// batchWindow is how long candidates from one sender accumulate before the
// merged frame goes out. Trickle ICE produces bursts of tiny frames; one
// batched frame per window keeps slow links usable.
const batchWindow = 50 * time.Millisecond

type batchKey struct {
	callID string
	userID string
}

// iceBatcher coalesces trickled ICE candidates per (call, sender) and
// flushes them as one call:ice-candidate frame carrying the merged list.
type iceBatcher struct {
	hub *Hub

	mu      sync.Mutex
	pending map[batchKey][]json.RawMessage
	timers  map[batchKey]*time.Timer
}

func newICEBatcher(hub *Hub) *iceBatcher {
	return &iceBatcher{
		hub:     hub,
		pending: make(map[batchKey][]json.RawMessage),
		timers:  make(map[batchKey]*time.Timer),
	}
}

// add buffers one candidate. The first candidate in a window arms the flush
// timer; later ones ride along.
func (b *iceBatcher) add(callID, userID string, candidate json.RawMessage) {
	key := batchKey{callID: callID, userID: userID}

	b.mu.Lock()
	b.pending[key] = append(b.pending[key], candidate)
	if _, armed := b.timers[key]; !armed {
		b.timers[key] = time.AfterFunc(batchWindow, func() { b.flush(key) })
	}
	b.mu.Unlock()
}

func (b *iceBatcher) flush(key batchKey) {
	b.mu.Lock()
	candidates := b.pending[key]
	delete(b.pending, key)
	delete(b.timers, key)
	b.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	frame := encode(MsgCandidate, CandidateBatch{
		CallID:     key.callID,
		FromUserID: key.userID,
		Candidates: candidates,
	})
	b.hub.broadcastExcludingUser(callRoom(key.callID), frame, key.userID)
}

// drop discards buffered candidates for a finished call.
func (b *iceBatcher) drop(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, t := range b.timers {
		if key.callID == callID {
			t.Stop()
			delete(b.timers, key)
			delete(b.pending, key)
		}
	}
	for key := range b.pending {
		if key.callID == callID {
			delete(b.pending, key)
		}
	}
}
