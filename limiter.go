package flowz

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/capitan"
)

// Lease is held by a caller that was admitted through a ModuleConcurrencyLimiter.
// Release must be called on every exit path; calls after the first have no
// effect.
type Lease struct {
	counter *int64
}

// Release decrements the held counter, if any. A no-op lease (disabled
// limiter, or no limiter configured for the key) has a nil counter and
// Release is a harmless no-op. Release is safe to call more than once; only
// the first call has effect.
func (l *Lease) Release() {
	if l == nil || l.counter == nil {
		return
	}
	c := l.counter
	l.counter = nil
	atomic.AddInt64(c, -1)
}

// limiterEntry is one key's admission counter, adapted from the token-bucket
// connector's per-instance state into a lock-free compare-and-swap counter:
// spec §4.G calls for limiter state that is shared across invocations
// without blocking a worker on a mutex held across a module call.
type limiterEntry struct {
	inFlight int64
	max      int64 // <=0 means disabled: always admit, never increment.
}

// ModuleConcurrencyLimiters holds one admission counter per configured key.
// Keys absent from the table always admit (a no-op lease), matching spec
// §4.G's "no limiter for key" rule.
type ModuleConcurrencyLimiters struct {
	entries atomic.Pointer[map[string]*limiterEntry]

	mu            sync.Mutex // serializes EnsureConfigured swaps only
	configVersion string
	patchHash     string
}

// NewModuleConcurrencyLimiters constructs an empty limiter table; every key
// admits unconditionally until EnsureConfigured installs limits for it.
func NewModuleConcurrencyLimiters() *ModuleConcurrencyLimiters {
	l := &ModuleConcurrencyLimiters{}
	empty := map[string]*limiterEntry{}
	l.entries.Store(&empty)
	return l
}

// EnsureConfigured applies a patch's limits.moduleConcurrency.maxInFlight
// table. It is idempotent: a call with the same configVersion and the same
// patch bytes (by content hash) is a no-op, and unchanged keys keep their
// existing *limiterEntry so in-flight leases on those keys remain valid.
func (l *ModuleConcurrencyLimiters) EnsureConfigured(ctx context.Context, patchJSON []byte, configVersion string) error {
	hash := hashBytes(patchJSON)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.configVersion == configVersion && l.patchHash == hash {
		return nil
	}

	limits, err := parseMaxInFlight(patchJSON)
	if err != nil {
		return err
	}

	old := *l.entries.Load()
	next := make(map[string]*limiterEntry, len(limits))
	for key, max := range limits {
		if existing, ok := old[key]; ok {
			atomic.StoreInt64(&existing.max, int64(max))
			next[key] = existing
			continue
		}
		next[key] = &limiterEntry{max: int64(max)}
	}

	l.entries.Store(&next)
	l.configVersion = configVersion
	l.patchHash = hash

	capitan.Info(ctx, SignalLimiterConfigured,
		FieldTimestamp.Field(0),
	)
	return nil
}

// TryEnter attempts to admit one unit of work under key. The returned Lease
// must have Release called on every exit path. ok is false iff the key has a
// configured limiter that is currently saturated.
func (l *ModuleConcurrencyLimiters) TryEnter(ctx context.Context, key string) (lease *Lease, ok bool) {
	entries := *l.entries.Load()
	entry, found := entries[key]
	if !found {
		return &Lease{}, true
	}

	max := atomic.LoadInt64(&entry.max)
	if max <= 0 {
		return &Lease{}, true
	}

	for {
		cur := atomic.LoadInt64(&entry.inFlight)
		if cur >= max {
			capitan.Warn(ctx, SignalLimiterRefused,
				FieldLimiterKey.Field(key),
				FieldInFlight.Field(int(cur)),
				FieldMaxInFlight.Field(int(max)),
			)
			return nil, false
		}
		if atomic.CompareAndSwapInt64(&entry.inFlight, cur, cur+1) {
			capitan.Info(ctx, SignalLimiterAdmitted,
				FieldLimiterKey.Field(key),
				FieldInFlight.Field(int(cur+1)),
				FieldMaxInFlight.Field(int(max)),
			)
			return &Lease{counter: &entry.inFlight}, true
		}
	}
}

// parseMaxInFlight extracts limits.moduleConcurrency.maxInFlight from a v1
// patch document. A patch with no limits section yields an empty map, not an
// error.
func parseMaxInFlight(patchJSON []byte) (map[string]int, error) {
	if len(patchJSON) == 0 {
		return map[string]int{}, nil
	}
	var doc patchDoc
	if err := json.Unmarshal(patchJSON, &doc); err != nil {
		return nil, &PatchFormatError{Path: "$.limits", Message: err.Error()}
	}
	if doc.Limits.ModuleConcurrency.MaxInFlight == nil {
		return map[string]int{}, nil
	}
	return doc.Limits.ModuleConcurrency.MaxInFlight, nil
}
