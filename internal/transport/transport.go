// Package transport defines the contract between the reconciliation engine
// and the remote coordination service, plus the shared wire format and the
// sealing of payloads under the chain secret.
//
// The service only relays opaque strings. Feed urls and article guids are
// sealed with the chain's secret key before they leave the device, so the
// service never learns what anyone reads.
package transport

import (
	"context"
	"time"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// Session carries the credentials of one device in one chain.
type Session struct {
	SyncCode   string
	SecretKey  string
	DeviceID   int64
	DeviceName string
}

// SessionFromRemote builds a Session from the stored membership row.
func SessionFromRemote(r *schema.SyncRemote) Session {
	return Session{
		SyncCode:   r.SyncCode,
		SecretKey:  r.SecretKey,
		DeviceID:   r.DeviceID,
		DeviceName: r.DeviceName,
	}
}

// Confirmation splits a pushed batch into marks the service stored and
// marks it refused. Only accepted marks may be flagged synced.
type Confirmation struct {
	Accepted []schema.ReadMarkKey
	Rejected []schema.ReadMarkKey
}

// PullResult is the outcome of a successful pull.
type PullResult struct {
	// Marks are ordered by service arrival.
	Marks []schema.RemoteReadMark
	// HighWater is the latest timestamp covered by this pull. It is zero
	// when the service returned nothing new.
	HighWater time.Time
	// Undecryptable counts entries sealed under a different key.
	Undecryptable int
}

// Transport is the remote coordination service as seen by the engine.
//
// Every failure is an *Error; see IsRetryable for how kinds are treated.
type Transport interface {
	// CreateChain starts a new chain with this device as its first member.
	// The secret key is generated locally and never sent.
	CreateChain(ctx context.Context, deviceName string) (Session, error)

	// JoinChain adds this device to an existing chain.
	JoinChain(ctx context.Context, syncCode, secretKey, deviceName string) (Session, error)

	// LeaveChain removes this device from its chain.
	LeaveChain(ctx context.Context, s Session) error

	// ListDevices returns every device in the chain, this one included.
	ListDevices(ctx context.Context, s Session) ([]schema.Device, error)

	// RemoveDevice removes another device from the chain.
	RemoveDevice(ctx context.Context, s Session, deviceID int64) error

	// PushReadMarks delivers a batch of read marks.
	PushReadMarks(ctx context.Context, s Session, marks []schema.ReadMarkKey) (Confirmation, error)

	// PullReadMarks returns marks from other devices newer than since.
	PullReadMarks(ctx context.Context, s Session, since time.Time) (PullResult, error)

	// PullFeedList returns the feed urls known to the chain.
	PullFeedList(ctx context.Context, s Session) ([]string, error)

	// PushFeedList replaces the chain's feed list with urls.
	PushFeedList(ctx context.Context, s Session, urls []string, hash int64) error
}
