package transport

// HTTP wire format shared by the client and the relay.
const (
	HeaderSyncCode  = "X-Sync-Code"
	HeaderDeviceID  = "X-Device-Id"
	HeaderRequestID = "X-Request-Id"

	PathCreate    = "/api/v1/create"
	PathJoin      = "/api/v1/join"
	PathDevices   = "/api/v1/devices"
	PathReadMarks = "/api/v1/readmarks"
	PathFeeds     = "/api/v1/feeds"

	// MaxPayloadLength bounds a single sealed string.
	MaxPayloadLength = 8192
)

// DeviceRequest is the body of create and join.
type DeviceRequest struct {
	DeviceName string `json:"deviceName"`
}

// JoinResponse answers create and join.
type JoinResponse struct {
	SyncCode string `json:"syncCode"`
	DeviceID int64  `json:"deviceId"`
}

// WireDevice is one entry of DevicesResponse.
type WireDevice struct {
	DeviceID   int64  `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// DevicesResponse answers GET /devices.
type DevicesResponse struct {
	Devices []WireDevice `json:"devices"`
}

// WireReadMark is a sealed read mark.
type WireReadMark struct {
	FeedURL     string `json:"feedUrl"`
	ArticleGUID string `json:"articleGuid"`
	// Timestamp is unix milliseconds assigned by the service; empty on push.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// PushReadMarksRequest is the body of POST /readmarks.
type PushReadMarksRequest struct {
	Items []WireReadMark `json:"items"`
}

// PushReadMarksResponse lists the indexes of the request items that were stored.
type PushReadMarksResponse struct {
	Accepted []int `json:"accepted"`
}

// PullReadMarksResponse answers GET /readmarks.
type PullReadMarksResponse struct {
	Items         []WireReadMark `json:"items"`
	HighWaterMark int64          `json:"highWaterMark"`
}

// FeedsPayload is the body of PUT /feeds and the answer to GET /feeds.
type FeedsPayload struct {
	Feeds []string `json:"feeds"`
	Hash  int64    `json:"hash"`
}

// ErrorResponse is the body of non-2xx relay answers.
type ErrorResponse struct {
	Error string `json:"error"`
}
