// Package transport abstracts the messaging gateway that actually delivers
// to recipients. Runners only see the Transport interface; readiness is a
// query on the collaborator, not a process-global flag.
package transport

import (
	"context"
	"errors"
)

// ErrNotReady is returned by Send when the gateway session is not connected.
// Callers treat it as transient: the attempt is recorded as failed and the
// campaign keeps going.
var ErrNotReady = errors.New("transport not ready")

// Result describes a completed delivery attempt
type Result struct {
	ProviderMessageID string `json:"provider_message_id"`
}

// Transport delivers a single rendered message to a phone number
type Transport interface {
	// Ready reports whether the transport can deliver right now
	Ready(ctx context.Context) bool
	// Send delivers body to phone; mediaRef is an optional attachment handle
	Send(ctx context.Context, phone, body, mediaRef string) (*Result, error)
}
