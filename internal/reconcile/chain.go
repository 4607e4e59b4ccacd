package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport"
)

// CreateChain starts a new chain with this installation as its only
// device. Local pending marks are kept and pushed by the first cycle.
func (e *Engine) CreateChain(ctx context.Context, deviceName string) (*schema.SyncRemote, error) {
	if err := e.ensureNotMember(ctx); err != nil {
		return nil, err
	}

	s, err := e.transport.CreateChain(ctx, deviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain: %w", err)
	}
	return e.adopt(ctx, s)
}

// JoinChain makes this installation a member of an existing chain.
func (e *Engine) JoinChain(ctx context.Context, syncCode, secretKey, deviceName string) (*schema.SyncRemote, error) {
	if syncCode == "" || secretKey == "" {
		return nil, fmt.Errorf("sync code and secret key are required")
	}
	if _, err := transport.NewSealer(secretKey); err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	if err := e.ensureNotMember(ctx); err != nil {
		return nil, err
	}

	s, err := e.transport.JoinChain(ctx, syncCode, secretKey, deviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to join chain: %w", err)
	}
	return e.adopt(ctx, s)
}

func (e *Engine) ensureNotMember(ctx context.Context) error {
	remote, err := e.staging.GetSyncRemote(ctx)
	if err != nil {
		return err
	}
	if remote.HasSession() {
		return ErrAlreadyConfigured
	}
	return nil
}

// adopt stores a fresh session, starting from an empty high-water mark.
func (e *Engine) adopt(ctx context.Context, s transport.Session) (*schema.SyncRemote, error) {
	remote := &schema.SyncRemote{
		URL:        e.cfg.ServerURL,
		SyncCode:   s.SyncCode,
		SecretKey:  s.SecretKey,
		DeviceID:   s.DeviceID,
		DeviceName: s.DeviceName,
	}
	if err := e.staging.SaveSyncRemote(ctx, remote); err != nil {
		return nil, fmt.Errorf("failed to store chain membership: %w", err)
	}
	e.logger.Printf("Joined chain as device %d (%s)", s.DeviceID, s.DeviceName)

	e.updateStatus(func(st *Status) {
		st.NeedsReauth = false
		st.Summary = SummaryNone
		st.Message = ""
	})

	if _, err := e.RefreshDevices(ctx); err != nil {
		e.logger.Printf("Warning: failed to fetch device list: %v", err)
	}
	e.RequestPush(ctx)
	return remote, nil
}

// LeaveChain removes this device from its chain and clears all local sync
// state. When the service cannot be reached the local state is kept and
// the error returned, so leaving can be retried. A service that no longer
// knows the device counts as having left.
func (e *Engine) LeaveChain(ctx context.Context) error {
	_, s, err := e.session(ctx)
	if err != nil {
		return err
	}

	if err := e.transport.LeaveChain(ctx, s); err != nil &&
		!errors.Is(err, transport.ErrUnauthorized) && !errors.Is(err, transport.ErrNotFound) {
		return fmt.Errorf("failed to leave chain: %w", err)
	}

	if err := e.staging.ClearSyncState(ctx); err != nil {
		return fmt.Errorf("failed to clear sync state: %w", err)
	}
	e.logger.Printf("Left chain")
	e.updateStatus(func(st *Status) {
		*st = Status{State: StateIdle, Summary: SummaryNone}
	})
	return nil
}

// RefreshDevices fetches the chain's device list and stores it.
func (e *Engine) RefreshDevices(ctx context.Context) ([]schema.Device, error) {
	_, s, err := e.session(ctx)
	if err != nil {
		return nil, err
	}

	devices, err := e.transport.ListDevices(ctx, s)
	if err != nil {
		if transport.IsUserActionRequired(err) {
			return nil, e.revoke(ctx, err)
		}
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if err := e.staging.ReplaceDevices(ctx, devices); err != nil {
		return nil, fmt.Errorf("failed to store devices: %w", err)
	}
	return devices, nil
}

// RemoveDevice removes a device from the chain. Removing this device is
// the same as LeaveChain.
func (e *Engine) RemoveDevice(ctx context.Context, deviceID int64) error {
	remote, s, err := e.session(ctx)
	if err != nil {
		return err
	}
	if deviceID == remote.DeviceID {
		return e.LeaveChain(ctx)
	}

	if err := e.transport.RemoveDevice(ctx, s, deviceID); err != nil {
		if transport.IsUserActionRequired(err) {
			return e.revoke(ctx, err)
		}
		return fmt.Errorf("failed to remove device %d: %w", deviceID, err)
	}
	_, err = e.RefreshDevices(ctx)
	return err
}

// revoke drops the membership after the service rejected the credentials.
// Staged read marks are kept for the next chain.
func (e *Engine) revoke(ctx context.Context, cause error) error {
	e.logger.Printf("Chain membership rejected, clearing membership: %v", cause)
	if err := e.staging.ClearMembership(ctx); err != nil {
		return fmt.Errorf("failed to clear membership after %v: %w", cause, err)
	}
	e.updateStatus(func(st *Status) {
		st.State = StateIdle
		st.Summary = SummaryError
		st.Message = ErrReauthRequired.Error()
		st.NeedsReauth = true
	})
	return fmt.Errorf("%w: %w", ErrReauthRequired, cause)
}
