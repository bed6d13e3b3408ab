package events

import (
	"fmt"
	"sync"
)

// MigrateFunc rewrites an event payload one version step. Payloads cross the
// registry as generic maps so a consumer never needs the producer's struct.
type MigrateFunc func(payload map[string]any) (map[string]any, error)

// Strategy holds the migration paths for one event type. Upgrade handlers
// are keyed by source version N and produce N+1; downgrade handlers are
// keyed by target version N and consume N+1.
type Strategy struct {
	Type       string
	Current    int
	upgrades   map[int]MigrateFunc
	downgrades map[int]MigrateFunc
}

// NewStrategy creates an empty strategy for an event type.
func NewStrategy(eventType string, current int) *Strategy {
	return &Strategy{
		Type:       eventType,
		Current:    current,
		upgrades:   make(map[int]MigrateFunc),
		downgrades: make(map[int]MigrateFunc),
	}
}

// OnUpgrade registers the step from version from to from+1.
func (s *Strategy) OnUpgrade(from int, fn MigrateFunc) *Strategy {
	s.upgrades[from] = fn
	return s
}

// OnDowngrade registers the step from version to+1 down to to.
func (s *Strategy) OnDowngrade(to int, fn MigrateFunc) *Strategy {
	s.downgrades[to] = fn
	return s
}

// UpgradeToLatest walks the payload from the given version up to Current.
func (s *Strategy) UpgradeToLatest(payload map[string]any, from int) (map[string]any, error) {
	if from > s.Current {
		return nil, fmt.Errorf("%s: cannot upgrade from v%d, current is v%d", s.Type, from, s.Current)
	}
	for v := from; v < s.Current; v++ {
		fn, ok := s.upgrades[v]
		if !ok {
			return nil, fmt.Errorf("%s: no upgrade path from v%d", s.Type, v)
		}
		next, err := fn(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: upgrading v%d: %w", s.Type, v, err)
		}
		next["version"] = v + 1
		payload = next
	}
	return payload, nil
}

// Downgrade walks the payload from the given version down to target.
func (s *Strategy) Downgrade(payload map[string]any, from, to int) (map[string]any, error) {
	if to > from {
		return nil, fmt.Errorf("%s: cannot downgrade from v%d to v%d", s.Type, from, to)
	}
	for v := from; v > to; v-- {
		fn, ok := s.downgrades[v-1]
		if !ok {
			return nil, fmt.Errorf("%s: no downgrade path to v%d", s.Type, v-1)
		}
		prev, err := fn(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: downgrading v%d: %w", s.Type, v, err)
		}
		prev["version"] = v - 1
		payload = prev
	}
	return payload, nil
}

// Registry maps event types to their strategies. It is populated once at
// startup and read-only afterwards; Lookup takes no lock on the hot path
// once Freeze has been called.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	byType map[string]*Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]*Strategy)}
}

// Register adds a strategy. Registering after Freeze or registering the same
// type twice panics: both are wiring bugs, not runtime conditions.
func (r *Registry) Register(s *Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("events: registry frozen, cannot register %s", s.Type))
	}
	if _, dup := r.byType[s.Type]; dup {
		panic(fmt.Sprintf("events: duplicate strategy for %s", s.Type))
	}
	r.byType[s.Type] = s
}

// Freeze marks the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the strategy for an event type, or nil.
func (r *Registry) Lookup(eventType string) *Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[eventType]
}

// CanConsume reports whether a consumer at the registered current version
// can accept an event of the given type and version.
func (r *Registry) CanConsume(eventType string, version int) bool {
	s := r.Lookup(eventType)
	if s == nil {
		return false
	}
	return version >= 1 && version <= s.Current
}

// DefaultRegistry builds the process-wide registry with every known event
// type and its migration paths. Called once from main.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// call.ended v1 carried a single receiverId and no provider.
	r.Register(NewStrategy(TopicCallEnded, CallEndedVersion).
		OnUpgrade(1, func(p map[string]any) (map[string]any, error) {
			out := clonePayload(p)
			if rid, ok := out["receiverId"]; ok {
				out["receiverIds"] = []any{rid}
				delete(out, "receiverId")
			}
			if _, ok := out["provider"]; !ok {
				out["provider"] = "p2p"
			}
			return out, nil
		}).
		OnDowngrade(1, func(p map[string]any) (map[string]any, error) {
			out := clonePayload(p)
			if rids, ok := out["receiverIds"].([]any); ok && len(rids) > 0 {
				out["receiverId"] = rids[0]
			}
			delete(out, "receiverIds")
			delete(out, "provider")
			return out, nil
		}))

	r.Register(NewStrategy(TopicCallInitiated, CallInitiatedVersion))
	r.Register(NewStrategy(TopicCallPushNeeded, PushNeededVersion))
	r.Register(NewStrategy(TopicUserBlocked, UserBlockedVersion))
	r.Register(NewStrategy(TopicUserUnblocked, UserBlockedVersion))
	r.Register(NewStrategy(TopicPrivacyUpdated, 1))
	r.Register(NewStrategy(TopicFriendRequested, 1))
	r.Register(NewStrategy(TopicFriendAccepted, 1))
	r.Register(NewStrategy(TopicFriendRemoved, 1))
	r.Register(NewStrategy(TopicMediaUploaded, MediaEventVersion))
	r.Register(NewStrategy(TopicMediaProcessed, MediaEventVersion))
	r.Register(NewStrategy(TopicMediaFailed, MediaEventVersion))
	r.Register(NewStrategy(TopicMediaDeleted, MediaEventVersion))

	r.Freeze()
	return r
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
