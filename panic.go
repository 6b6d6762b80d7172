package flowz

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/zoobzio/capitan"
)

// recoverFromModulePanic converts a recovered panic from a module's Process
// call into an Error outcome instead of letting it unwind past the executor.
// Call it as `defer recoverFromModulePanic(ctx, &outcome, moduleType)` at the
// top of any function that invokes third-party module code directly.
func recoverFromModulePanic[Out any](ctx context.Context, outcome *Outcome[Out], moduleType Name) {
	r := recover()
	if r == nil {
		return
	}
	msg := sanitizePanicMessage(r)
	capitan.Warn(ctx, SignalModulePanicked,
		FieldModuleType.Field(string(moduleType)),
		FieldError.Field(msg),
		FieldStack.Field(panicStack()),
	)
	*outcome = Error[Out](panicCode(moduleType))
}

// panicCode builds the module_fault code the executor folds a recovered
// panic into, per the module_fault:<code> convention used for every
// unexpected module fault.
func panicCode(moduleType Name) string {
	return fmt.Sprintf("module_fault:panic:%s", moduleType)
}

// sanitizePanicMessage renders a recovered panic value as a short,
// single-line string safe to attach to a signal field. Stack traces are
// captured but never included in the returned message — they belong in
// whatever sink capitan is wired to, not in outcome codes or fields that
// might be logged verbatim by a caller.
func sanitizePanicMessage(r any) string {
	var msg string
	switch v := r.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%v", v)
	}
	msg = strings.ReplaceAll(msg, "\n", " ")
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

// panicStack captures the current goroutine's stack for diagnostic signals.
// Kept separate from sanitizePanicMessage so callers can opt into the cost
// of capturing it only when a panic actually occurred.
func panicStack() string {
	return string(debug.Stack())
}
