// Package trace provides the shim's trace-logging toggle.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Log lines are emitted only when RUST_LOG or DEMI_EPOLL_LOG is set to
// "trace" (spec.md §6, "Environment"), matching the catnip/demikernel
// convention this shim sits on top of.
package trace

import (
	"log"
	"os"
	"sync"
)

var (
	once    sync.Once
	enabled bool
)

func isEnabled() bool {
	once.Do(func() {
		enabled = os.Getenv("RUST_LOG") == "trace" || os.Getenv("DEMI_EPOLL_LOG") == "trace"
	})
	return enabled
}

// Enabled reports whether trace logging is currently turned on. Exposed so
// a hot path like epoll.Set.Wait can skip building a debug line (e.g.
// walking every watched item to log it) when tracing is off, rather than
// paying for that work on every call regardless of whether Logf would
// print it.
func Enabled() bool {
	return isEnabled()
}

// Logf emits a trace line prefixed with "dpoll: " when tracing is enabled.
// It is a no-op otherwise, so call sites can use it unconditionally without
// worrying about allocation in the common case beyond the Enabled() check.
func Logf(format string, args ...any) {
	if !isEnabled() {
		return
	}
	log.Printf("dpoll: "+format, args...)
}
