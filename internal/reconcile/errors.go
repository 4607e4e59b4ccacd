package reconcile

import (
	"errors"

	"github.com/mschirtzinger/feedsync/internal/transport"
)

var (
	// ErrNotConfigured is returned when the installation is not in a chain.
	ErrNotConfigured = errors.New("sync is not configured")

	// ErrAlreadyConfigured is returned when creating or joining a chain
	// while already a member of one.
	ErrAlreadyConfigured = errors.New("already a member of a sync chain")

	// ErrReauthRequired is returned after the service rejected this
	// device's credentials. Local chain state has been cleared.
	ErrReauthRequired = errors.New("sync chain membership was revoked; join again")

	// ErrCycleFailed is returned when at least one phase of a cycle failed.
	// Staged state is consistent and the cycle can simply be run again.
	ErrCycleFailed = errors.New("sync cycle failed")
)

// ShouldRetry reports whether a failed cycle or push job is worth running
// again without user action.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReauthRequired) || errors.Is(err, ErrNotConfigured) {
		return false
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		return false
	}
	return true
}
