package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport"
)

// CycleReport describes one sync cycle.
type CycleReport struct {
	Started  time.Time     `json:"started" yaml:"started"`
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Pull
	Pulled        int       `json:"pulled" yaml:"pulled"`
	Staged        int       `json:"staged" yaml:"staged"`
	Undecryptable int       `json:"undecryptable,omitempty" yaml:"undecryptable,omitempty"`
	HighWater     time.Time `json:"high_water,omitempty" yaml:"high_water,omitempty"`
	// NewRemoteFeeds are chain feeds this device is not subscribed to.
	NewRemoteFeeds []string `json:"new_remote_feeds,omitempty" yaml:"new_remote_feeds,omitempty"`

	// Merge
	Applied  int `json:"applied" yaml:"applied"`
	Retained int `json:"retained" yaml:"retained"`

	// Push
	Pushed        int  `json:"pushed" yaml:"pushed"`
	Rejected      int  `json:"rejected" yaml:"rejected"`
	FeedsUploaded bool `json:"feeds_uploaded" yaml:"feeds_uploaded"`

	PullErr  error `json:"-" yaml:"-"`
	MergeErr error `json:"-" yaml:"-"`
	PushErr  error `json:"-" yaml:"-"`
}

// Err joins the phase errors.
func (r *CycleReport) Err() error {
	return errors.Join(r.PullErr, r.MergeErr, r.PushErr)
}

// Cycle runs pull, merge and push once. A call made while a cycle is in
// flight waits for that cycle and receives its result instead of starting
// another one.
//
// The error is ErrNotConfigured outside a chain, ErrReauthRequired when the
// service revoked the membership, and wraps ErrCycleFailed when a phase
// failed. The report is returned in every case except ErrNotConfigured.
func (e *Engine) Cycle(ctx context.Context) (*CycleReport, error) {
	v, err, _ := e.cycles.Do("cycle", func() (any, error) {
		return e.runCycle(ctx)
	})
	report, _ := v.(*CycleReport)
	return report, err
}

func (e *Engine) runCycle(ctx context.Context) (*CycleReport, error) {
	remote, s, err := e.session(ctx)
	if err != nil {
		return nil, err
	}

	report := &CycleReport{Started: e.now()}
	e.updateStatus(func(st *Status) {
		st.Summary = SummaryLoading
		st.Message = ""
	})

	e.setState(StatePulling)
	report.PullErr = e.pull(ctx, s, remote, report)
	if transport.IsUserActionRequired(report.PullErr) {
		return report, e.revoke(ctx, report.PullErr)
	}

	e.setState(StateMerging)
	applied, retained, err := e.ApplyRemoteReadMarks(ctx)
	report.Applied, report.Retained, report.MergeErr = applied, retained, err

	e.setState(StatePushing)
	report.PushErr = e.push(ctx, s, remote, report)
	if transport.IsUserActionRequired(report.PushErr) {
		return report, e.revoke(ctx, report.PushErr)
	}

	report.Duration = e.now().Sub(report.Started)

	if err := report.Err(); err != nil {
		e.logger.Printf("Sync cycle failed after %s: %v", report.Duration.Round(time.Millisecond), err)
		e.setState(StateFailed)
		e.updateStatus(func(st *Status) {
			st.State = StateIdle
			st.Summary = SummaryError
			st.Message = err.Error()
			st.LastCycle = report.Started
		})
		return report, fmt.Errorf("%w: %w", ErrCycleFailed, err)
	}

	e.logger.Printf("Sync cycle complete: pulled %d, applied %d, retained %d, pushed %d (%d rejected) in %s",
		report.Pulled, report.Applied, report.Retained, report.Pushed, report.Rejected,
		report.Duration.Round(time.Millisecond))
	e.updateStatus(func(st *Status) {
		st.State = StateIdle
		st.Summary = SummarySuccess
		st.Message = ""
		st.LastCycle = report.Started
	})
	return report, nil
}

// pull stages remote marks, then advances the high-water mark, then
// refreshes the remote feed snapshot.
func (e *Engine) pull(ctx context.Context, s transport.Session, remote *schema.SyncRemote, report *CycleReport) error {
	result, err := e.transport.PullReadMarks(ctx, s, remote.LatestMessageTimestamp)
	if err != nil {
		return fmt.Errorf("failed to pull read marks: %w", err)
	}
	report.Pulled = len(result.Marks)
	report.Undecryptable = result.Undecryptable

	staged, err := e.staging.AddRemoteReadMarks(ctx, result.Marks)
	if err != nil {
		return fmt.Errorf("failed to stage remote read marks: %w", err)
	}
	report.Staged = staged

	// The high-water mark only moves once the marks it covers are durable.
	if !result.HighWater.IsZero() && result.HighWater.After(remote.LatestMessageTimestamp) {
		if err := e.staging.UpdateMessageTimestamp(ctx, result.HighWater); err != nil {
			return fmt.Errorf("failed to record high-water mark: %w", err)
		}
		report.HighWater = result.HighWater
	}

	remoteFeeds, err := e.transport.PullFeedList(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to pull feed list: %w", err)
	}
	if err := e.staging.ReplaceRemoteFeeds(ctx, remoteFeeds); err != nil {
		return fmt.Errorf("failed to store remote feeds: %w", err)
	}

	local, err := e.items.ListFeedURLs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local feeds: %w", err)
	}
	report.NewRemoteFeeds = diffFeeds(remoteFeeds, local)
	return nil
}

// ApplyRemoteReadMarks merges every staged remote mark whose item exists
// locally and returns how many were applied and how many stay staged.
//
// Applying a mark twice has the same effect as applying it once. Marks for
// items that have not been ingested are kept for a later merge. Ingestion
// calls this after storing new items.
func (e *Engine) ApplyRemoteReadMarks(ctx context.Context) (applied, retained int, err error) {
	marks, err := e.staging.GetMarksReadyToApply(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load remote read marks: %w", err)
	}

	var consumed []int64
	defer func() {
		if derr := e.staging.DeleteRemoteReadMarks(ctx, consumed); derr != nil && err == nil {
			err = fmt.Errorf("failed to delete applied remote read marks: %w", derr)
		}
	}()

	for _, m := range marks {
		itemID, ok, lerr := e.items.LookupItemID(ctx, m.ReadMarkKey)
		if lerr != nil {
			return applied, len(marks) - applied, fmt.Errorf("failed to resolve %s: %w", m.ReadMarkKey, lerr)
		}
		if !ok {
			retained++
			continue
		}

		if err := e.items.SetReadContext(ctx, itemID, true); err != nil {
			return applied, len(marks) - applied, fmt.Errorf("failed to apply %s: %w", m.ReadMarkKey, err)
		}
		if err := e.staging.MarkSynced(ctx, itemID); err != nil {
			return applied, len(marks) - applied, fmt.Errorf("failed to record %s as synced: %w", m.ReadMarkKey, err)
		}
		consumed = append(consumed, m.ID)
		applied++
	}
	return applied, retained, nil
}

// push delivers unsynced pending marks batch by batch, then uploads the
// feed list if it changed. Each cycle walks the pending marks once; rejected
// marks stay pending for the next cycle without holding back newer ones.
func (e *Engine) push(ctx context.Context, s transport.Session, remote *schema.SyncRemote, report *CycleReport) error {
	var after *schema.PendingReadMark
	for {
		pending, err := e.staging.GetPendingReadMarks(ctx, after, e.cfg.PushBatchSize)
		if err != nil {
			return fmt.Errorf("failed to load pending read marks: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		keys := make([]schema.ReadMarkKey, 0, len(pending))
		for _, p := range pending {
			keys = append(keys, p.ReadMarkKey)
		}

		conf, err := e.transport.PushReadMarks(ctx, s, keys)
		if err != nil {
			return fmt.Errorf("failed to push read marks: %w", err)
		}
		if _, err := e.staging.MarkKeysSynced(ctx, conf.Accepted); err != nil {
			return fmt.Errorf("failed to record pushed read marks: %w", err)
		}
		report.Pushed += len(conf.Accepted)
		report.Rejected += len(conf.Rejected)

		if len(pending) < e.cfg.PushBatchSize {
			break
		}
		after = &pending[len(pending)-1]
	}

	return e.uploadFeeds(ctx, s, remote, report)
}

// uploadFeeds uploads the union of local feeds and the chain's snapshot, so
// feeds added by peers are not dropped from the chain list.
func (e *Engine) uploadFeeds(ctx context.Context, s transport.Session, remote *schema.SyncRemote, report *CycleReport) error {
	local, err := e.items.ListFeedURLs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local feeds: %w", err)
	}
	known, err := e.staging.ListRemoteFeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote feeds: %w", err)
	}

	urls := unionFeeds(local, known)
	hash := transport.FeedListHash(urls)
	if hash == remote.LastFeedsRemoteHash {
		return nil
	}

	if err := e.transport.PushFeedList(ctx, s, urls, hash); err != nil {
		return fmt.Errorf("failed to upload feed list: %w", err)
	}
	if err := e.staging.UpdateFeedsRemoteHash(ctx, hash); err != nil {
		return fmt.Errorf("failed to record feed list hash: %w", err)
	}
	report.FeedsUploaded = true
	return nil
}

func diffFeeds(remote, local []string) []string {
	have := make(map[string]bool, len(local))
	for _, u := range local {
		have[u] = true
	}
	var missing []string
	for _, u := range remote {
		if !have[u] {
			missing = append(missing, u)
		}
	}
	sort.Strings(missing)
	return missing
}

func unionFeeds(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, u := range a {
		set[u] = true
	}
	for _, u := range b {
		set[u] = true
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
