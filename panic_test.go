package flowz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverFromModulePanic_FoldsStringPanic(t *testing.T) {
	var out Outcome[int]
	func() {
		defer recoverFromModulePanic(context.Background(), &out, "pricing.base")
		panic("boom")
	}()
	assert.Equal(t, KindError, out.Kind())
	assert.Equal(t, "module_fault:panic:pricing.base", out.Code())
}

func TestRecoverFromModulePanic_FoldsErrorPanic(t *testing.T) {
	var out Outcome[string]
	func() {
		defer recoverFromModulePanic(context.Background(), &out, "pricing.base")
		panic(errors.New("nil pointer"))
	}()
	assert.Equal(t, KindError, out.Kind())
	assert.Equal(t, "module_fault:panic:pricing.base", out.Code())
}

func TestRecoverFromModulePanic_NoPanicLeavesOutcomeUntouched(t *testing.T) {
	out := Ok(5)
	func() {
		defer recoverFromModulePanic(context.Background(), &out, "pricing.base")
	}()
	assert.Equal(t, KindOk, out.Kind())
	assert.Equal(t, 5, out.Value())
}

func TestSanitizePanicMessage_TruncatesAndStripsNewlines(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	msg := sanitizePanicMessage(string(long) + "\nmore")
	assert.Len(t, msg, 256)
	assert.NotContains(t, msg, "\n")
}
