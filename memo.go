package flowz

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/zoobzio/capitan"
)

// memoKeyTuple is the request-memo's key per spec §4.H: (moduleType,
// memoKey, outType identity, isShadow). reflect.Type is itself comparable,
// so the whole tuple can key a plain map without hashing helpers.
type memoKeyTuple struct {
	moduleType Name
	memoKey    string
	outType    reflect.Type
	isShadow   bool
}

// memoEntry is the pending-or-completed future for one memo key. The first
// caller to register an entry drives the work; every later caller blocks on
// done and then reads result.
type memoEntry struct {
	done   chan struct{}
	result any // Outcome[Out], type-erased
}

// RequestMemo is a single invocation's memoization table: a single-flight
// cache scoped to one FlowContext, never shared across invocations.
type RequestMemo struct {
	mu      sync.Mutex
	entries map[memoKeyTuple]*memoEntry
}

// NewRequestMemo constructs an empty memo table for one invocation.
func NewRequestMemo() *RequestMemo {
	return &RequestMemo{entries: make(map[memoKeyTuple]*memoEntry)}
}

// MemoDo executes work at most once per (moduleType, memoKey, Out, isShadow)
// within m's lifetime. The first caller for a given key runs work and
// broadcasts the result to every concurrent caller that arrives before it
// finishes; all of them observe the identical Outcome[Out] value.
func MemoDo[Out any](ctx context.Context, m *RequestMemo, moduleType Name, memoKey string, isShadow bool, work func() Outcome[Out]) Outcome[Out] {
	key := memoKeyTuple{
		moduleType: moduleType,
		memoKey:    memoKey,
		outType:    reflect.TypeOf((*Out)(nil)).Elem(),
		isShadow:   isShadow,
	}

	m.mu.Lock()
	entry, found := m.entries[key]
	if !found {
		entry = &memoEntry{done: make(chan struct{})}
		m.entries[key] = entry
	}
	m.mu.Unlock()

	if !found {
		capitan.Info(ctx, SignalMemoMiss, FieldModuleType.Field(string(moduleType)), FieldMemoKey.Field(memoKey))
		result := work()
		entry.result = result
		close(entry.done)
		return result
	}

	capitan.Info(ctx, SignalMemoHit, FieldModuleType.Field(string(moduleType)), FieldMemoKey.Field(memoKey))
	<-entry.done
	result, ok := entry.result.(Outcome[Out])
	if !ok {
		panic(fmt.Sprintf("flowz: memo type mismatch for module type %q, key %q", moduleType, memoKey))
	}
	capitan.Info(ctx, SignalMemoBroadcast, FieldModuleType.Field(string(moduleType)), FieldMemoKey.Field(memoKey))
	return result
}
