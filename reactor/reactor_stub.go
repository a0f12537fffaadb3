//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

// File: reactor/reactor_stub.go
// Package reactor - stub for platforms without a supported readiness
// primitive.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import "github.com/momentics/socketd/api"

func newPoller() (Poller, error) {
	return nil, api.ErrNotSupported
}
