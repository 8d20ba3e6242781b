// Package security defines the pluggable payload-protection boundary.
// The engine treats a Wrapper as a pass-through filter around codec
// input/output; the algorithms behind it are a collaborator's concern
// (transport-level DTLS lives in pkg/transport instead).
package security

import "errors"

// ErrAuthFailure marks a frame the security layer refused. The engine
// treats such frames as if they never arrived.
var ErrAuthFailure = errors.New("security: authentication failure")

// Wrapper transforms whole encoded frames.
type Wrapper interface {
	// Wrap protects an outbound frame.
	Wrap(plain []byte) ([]byte, error)
	// Unwrap verifies and recovers an inbound frame. A rejection
	// must wrap ErrAuthFailure.
	Unwrap(protected []byte) ([]byte, error)
}

// Noop passes frames through unchanged; the default for plain
// bindings.
type Noop struct{}

func (Noop) Wrap(plain []byte) ([]byte, error) { return plain, nil }

func (Noop) Unwrap(protected []byte) ([]byte, error) { return protected, nil }
