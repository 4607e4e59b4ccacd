package schema

import (
	"fmt"
	"time"
)

// ReadMarkKey identifies an article across installations. Local surrogate
// ids differ per device, so read marks are exchanged by feed URL and guid.
type ReadMarkKey struct {
	FeedURL     string `json:"feed_url"`
	ArticleGUID string `json:"article_guid"`
}

// Validate checks that both halves of the key are present.
func (k ReadMarkKey) Validate() error {
	if k.FeedURL == "" {
		return fmt.Errorf("feed_url is required")
	}
	if k.ArticleGUID == "" {
		return fmt.Errorf("article_guid is required")
	}
	return nil
}

func (k ReadMarkKey) String() string {
	return k.FeedURL + "#" + k.ArticleGUID
}

// PendingReadMark is a local read event awaiting confirmed delivery.
//
// It is written before any network push and kept until the remote service
// confirms it (Synced) or it ages out.
type PendingReadMark struct {
	ID int64 `json:"id"`
	ReadMarkKey
	CreatedAt time.Time `json:"created_at"`
	Synced    bool      `json:"synced"`
}

// RemoteReadMark is an inbound read event pulled from a peer device and not
// yet applied locally. ID grows with arrival order.
type RemoteReadMark struct {
	ID int64 `json:"id"`
	ReadMarkKey
	Timestamp time.Time `json:"timestamp"`
}

// SyncRemote is the chain membership of this installation. Exactly one row exists.
type SyncRemote struct {
	URL                    string    `json:"url"`
	SyncCode               string    `json:"sync_code"`
	SecretKey              string    `json:"secret_key"`
	DeviceID               int64     `json:"device_id"`
	DeviceName             string    `json:"device_name"`
	LatestMessageTimestamp time.Time `json:"latest_message_timestamp"`
	LastFeedsRemoteHash    int64     `json:"last_feeds_remote_hash"`
}

// HasSession reports whether the installation is a member of a chain.
func (s *SyncRemote) HasSession() bool {
	return s != nil && s.SyncCode != "" && s.SecretKey != "" && s.DeviceID > 0
}

// Device is a peer installation in the same chain.
type Device struct {
	DeviceID   int64  `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// RemoteFeed is a feed URL known to the chain.
type RemoteFeed struct {
	URL string `json:"url"`
}
