// Package limiter locks gate terminals out of scanning after repeated
// rejected credentials.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"time"
)

// Limiter controls scan attempts and temporary lockouts per (subject, source).
type Limiter interface {
	// Allow reports whether scanning is currently allowed and optional retry-after.
	Allow(ctx context.Context, subject string, srcHash []byte) (bool, time.Duration, error)
	// Success resets counters after an accepted scan.
	Success(ctx context.Context, subject string, srcHash []byte) error
	// Failure records a rejected credential; may place a temporary block.
	Failure(ctx context.Context, subject string, srcHash []byte) (bool, time.Duration, error)
}

// HashSource returns a stable hash for a peer address to avoid storing it raw.
// The port is dropped so reconnects share one key.
func HashSource(addr string) []byte {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	h := sha256.Sum256([]byte(addr))
	return h[:]
}

// Nop never blocks.
type Nop struct{}

func (Nop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Nop) Success(context.Context, string, []byte) error                     { return nil }
func (Nop) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
