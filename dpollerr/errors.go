// Package dpollerr defines the error vocabulary shared across dpoll's
// internal packages and its public API shim.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package dpollerr

import "fmt"

// Sentinel errors returned by the translation engine. The public API shim
// (package dpoll) maps these onto errno conventions; callers inside this
// module should compare with errors.Is.
var (
	// ErrWouldBlock means a submission was accepted but has no result yet;
	// the caller must retry after the item becomes ready (spec §7, "Transient").
	ErrWouldBlock = fmt.Errorf("dpoll: operation would block")

	// ErrTimedOut means a wait call returned before any completion arrived.
	ErrTimedOut = fmt.Errorf("dpoll: wait timed out")

	// ErrNotSupported is returned by operations explicitly out of scope,
	// such as Connect on a bypass socket (spec §9 Open Question).
	ErrNotSupported = fmt.Errorf("dpoll: not supported")

	// ErrNotImplemented is returned by entry points the spec allows to be
	// left unimplemented (sendmsg/recvmsg on a bypass socket).
	ErrNotImplemented = fmt.Errorf("dpoll: not implemented")

	// ErrClosed is returned by operations attempted on an already-closed
	// socket or epoll set.
	ErrClosed = fmt.Errorf("dpoll: descriptor closed")

	// ErrBadDescriptor is returned when a handle does not resolve to a live
	// slab entry of the expected kind.
	ErrBadDescriptor = fmt.Errorf("dpoll: bad descriptor")
)

// BackendError wraps a completion reported with opcode "failed" (spec §7,
// "Backend failure"). Code carries the backend's own error code, surfaced to
// callers as errno.
type BackendError struct {
	Code int
	Op   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("dpoll: backend operation %q failed: code=%d", e.Op, e.Code)
}

// FatalInvariant panics with this type when the engine observes a condition
// spec.md §7 calls a bug, not a user error: slot/opcode mismatch, a send
// slot that is simultaneously buffered and pending, an unrecognized
// descriptor range, or an unsupported socket family reaching bypass code.
// Recovery is not attempted at any call site; these are meant to abort.
type FatalInvariant struct {
	Reason string
}

func (e *FatalInvariant) Error() string {
	return fmt.Sprintf("dpoll: fatal invariant violation: %s", e.Reason)
}

// Fatalf panics with a *FatalInvariant built from the given message.
func Fatalf(format string, args ...any) {
	panic(&FatalInvariant{Reason: fmt.Sprintf(format, args...)})
}
