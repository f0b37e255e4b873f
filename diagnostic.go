// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"fmt"
	"log/slog"
	"runtime"
)

// osExitHook is called by [Context.signal] when a status whose severity is
// not warning, success, or info is signalled (§4.1, §7). Its default panics
// with a [fatalDiagnostic]; tests override it to observe the call instead
// of tearing down the process.
var osExitHook = func(code int) {
	panic(fatalDiagnostic{code: code})
}

// fatalDiagnostic is the panic value used by the default abort hook so that
// a fatal [Context.signal] call is distinguishable in tests and recoverable
// at a process's outermost boundary if desired.
type fatalDiagnostic struct {
	code int
}

func (f fatalDiagnostic) String() string {
	return fmt.Sprintf("cac: fatal diagnostic (status %d)", f.code)
}

// signal formats a multi-line diagnostic (§4.1), logs it at Warn through
// the context's logger (severity, message, the supplied context string,
// the caller's source location, and the current time), and delivers it to
// [Notify.Exception] under the callback-lock. A severity other than
// warning, success, or info then calls [osExitHook], mirroring
// cac::vSignal in the original implementation.
func (ctx *Context) signal(status Status, context string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "?", 0
	}
	ctx.signalAt(status, file, line, context)
}

func (ctx *Context) signalAt(status Status, file string, line int, context string) {
	attrs := []any{
		slog.String("severity", status.Severity.String()),
		slog.String("message", status.Message),
		slog.String("context", context),
		slog.String("source", fmt.Sprintf("%s:%d", file, line)),
		slog.Time("t", ctx.cfg.TimeNow()),
	}
	switch status.Severity {
	case SeverityWarning, SeveritySuccess, SeverityInfo:
		ctx.cfg.Logger.Warn("CA.Client.Diagnostic", attrs...)
	default:
		ctx.cfg.Logger.Warn("CA.Client.Diagnostic.Fatal", attrs...)
	}

	ctx.cbMu.Lock()
	ctx.notify.Exception(status, context)
	ctx.cbMu.Unlock()

	if status.Severity != SeverityWarning && status.Severity != SeveritySuccess && status.Severity != SeverityInfo {
		osExitHook(status.Code)
	}
}
