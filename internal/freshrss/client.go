// Package freshrss imports subscriptions and unread articles from a
// FreshRSS server through its Google Reader compatible API.
package freshrss

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const apiSuffix = "/api/greader.php"

var (
	// ErrInvalidCredentials is returned when the server rejects the login (401).
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAPIDisabled is returned when the Google Reader API is disabled or
	// the account may not use it (403).
	ErrAPIDisabled = errors.New("access forbidden; check that the Google Reader API is enabled")

	// ErrEndpointNotFound is returned when the API is not at the given url (404).
	ErrEndpointNotFound = errors.New("API endpoint not found; check the server url")

	// ErrNoAuthToken is returned when the login response carries no Auth line.
	ErrNoAuthToken = errors.New("login response has no auth token")
)

// Credentials identify a FreshRSS account.
type Credentials struct {
	ServerURL string `mapstructure:"server_url"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// Validate checks that all fields are set and the url is http or https.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" || strings.TrimSpace(c.Username) == "" || strings.TrimSpace(c.Password) == "" {
		return fmt.Errorf("server url, username and password are required")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("server url must start with http:// or https://")
	}
	return nil
}

// APIBase normalizes a server url to the API root, without trailing slash.
// Urls that already point into the API are kept.
func APIBase(serverURL string) string {
	u := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if strings.Contains(u, apiSuffix) {
		return u[:strings.Index(u, apiSuffix)+len(apiSuffix)]
	}
	if strings.HasSuffix(u, "/api") {
		return u + "/greader.php"
	}
	return u + apiSuffix
}

// Subscription is one feed of the account.
type Subscription struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Article is one entry of a stream.
type Article struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Published int64  `json:"published"`
	Updated   int64  `json:"updated"`
	Author    string `json:"author"`
	Summary   struct {
		Content string `json:"content"`
	} `json:"summary"`
	Content struct {
		Content string `json:"content"`
	} `json:"content"`
	Canonical []link `json:"canonical"`
	Alternate []link `json:"alternate"`
	Origin    struct {
		StreamID string `json:"streamId"`
		Title    string `json:"title"`
	} `json:"origin"`
}

type link struct {
	Href string `json:"href"`
}

// Link returns the canonical link, falling back to the first alternate.
func (a *Article) Link() string {
	for _, l := range append(a.Canonical, a.Alternate...) {
		if l.Href != "" {
			return l.Href
		}
	}
	return ""
}

// Body returns the full content when present, else the summary.
func (a *Article) Body() string {
	if a.Content.Content != "" {
		return a.Content.Content
	}
	return a.Summary.Content
}

// Config holds client configuration.
type Config struct {
	Credentials Credentials

	// Timeout for each request (default: 30s)
	Timeout time.Duration

	// HTTPClient overrides the default client
	HTTPClient *http.Client

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// Client talks to one FreshRSS account. Login must be called first.
type Client struct {
	base   string
	creds  Credentials
	http   *http.Client
	logger *log.Logger
	auth   string
}

// New validates the credentials and creates a client.
func New(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Credentials.Validate(); err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[freshrss] ", log.LstdFlags)
	}

	return &Client{
		base:   APIBase(config.Credentials.ServerURL),
		creds:  config.Credentials,
		http:   httpClient,
		logger: logger,
	}, nil
}

// Login runs ClientLogin and keeps the auth token for later requests.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"Email":       {strings.TrimSpace(c.creds.Username)},
		"Passwd":      {strings.TrimSpace(c.creds.Password)},
		"service":     {"reader"},
		"accountType": {"HOSTED"},
		"output":      {"text"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/accounts/ClientLogin",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.send(req, "login")
	if err != nil {
		return err
	}
	auth, ok := ParseAuthToken(string(body))
	if !ok {
		return ErrNoAuthToken
	}
	c.auth = auth
	return nil
}

// ParseAuthToken extracts the value of the Auth= line of a ClientLogin response.
func ParseAuthToken(body string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "Auth="); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Token returns an action token for write operations.
func (c *Client) Token(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "token", "/reader/api/0/token", url.Values{"output": {"text"}})
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("token: empty response")
	}
	return token, nil
}

// Subscriptions lists the account's feeds.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	body, err := c.get(ctx, "subscriptions", "/reader/api/0/subscription/list", url.Values{"output": {"json"}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("subscriptions: invalid response: %w", err)
	}
	return resp.Subscriptions, nil
}

// UnreadItems returns up to count unread articles of the reading list.
func (c *Client) UnreadItems(ctx context.Context, count int) ([]Article, error) {
	q := url.Values{
		"output": {"json"},
		"n":      {strconv.Itoa(count)},
		"xt":     {"user/-/state/com.google/read"},
	}
	body, err := c.get(ctx, "unread items", "/reader/api/0/stream/contents/reading-list", q)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Items []Article `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unread items: invalid response: %w", err)
	}
	return resp.Items, nil
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	if c.auth == "" {
		return nil, fmt.Errorf("%s: not logged in", op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "GoogleLogin auth="+c.auth)
	return c.send(req, op)
}

func (c *Client) send(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", op, ErrAPIDisabled)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, ErrEndpointNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("%s: empty response", op)
	}
	return body, nil
}
