package schema

import (
	"fmt"
	"net/url"
	"time"
)

// Feed is a subscription owning items.
type Feed struct {
	ID       int64      `json:"id"`
	URL      string     `json:"url"`
	Title    string     `json:"title,omitempty"`
	Tag      string     `json:"tag,omitempty"`
	Notify   bool       `json:"notify"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// Validate checks that the feed has an absolute http(s) URL.
func (f *Feed) Validate() error {
	return ValidateFeedURL(f.URL)
}

// ValidateFeedURL checks that raw is an absolute http or https URL.
func ValidateFeedURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("feed url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid feed url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("feed url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("feed url %q has no host", raw)
	}
	return nil
}
