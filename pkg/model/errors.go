package model

import "github.com/m-mizutani/goerr/v2"

// Error taxonomy shared by every component. Callers match with goerr.HasTag.
var (
	// ErrTagInvalidInput marks malformed or empty input. No side effect has happened.
	ErrTagInvalidInput = goerr.NewTag("invalid_input")

	// ErrTagUpstreamUnavailable marks a failed or timed out Generation/Embedding call.
	ErrTagUpstreamUnavailable = goerr.NewTag("upstream_unavailable")

	// ErrTagNotFound marks a missing agent, participant, session or owner.
	ErrTagNotFound = goerr.NewTag("not_found")

	// ErrTagSessionClosed marks an operation on a terminated interview session.
	ErrTagSessionClosed = goerr.NewTag("session_closed")
)
