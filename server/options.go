// File: server/options.go
// Package server — functional options for the Server facade.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/router"
)

// Option customizes server initialization.
type Option func(*Server)

// WithLogger replaces the config-built logger.
func WithLogger(log api.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithRouter installs a pre-populated router.
func WithRouter(r *router.Router) Option {
	return func(s *Server) {
		if r != nil {
			s.router = r
		}
	}
}
