package dashboard

import (
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// SyncCompleteData summarizes a finished cycle
type SyncCompleteData struct {
	Pulled   int           `json:"pulled"`
	Applied  int           `json:"applied"`
	Retained int           `json:"retained"`
	Pushed   int           `json:"pushed"`
	Rejected int           `json:"rejected"`
	NewFeeds []string      `json:"new_feeds,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// IngestCompleteData summarizes one ingestion pass
type IngestCompleteData struct {
	Source   string `json:"source"`
	Feeds    int    `json:"feeds"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Evicted  int    `json:"evicted"`
	Failed   int    `json:"failed"`
}

// Handler turns engine and store events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// OnStatus broadcasts an engine status change. It is suitable as a
// reconcile.Engine observer.
func (h *Handler) OnStatus(st reconcile.Status) {
	h.server.BroadcastData(MessageTypeSyncState, st)
}

// OnCycle broadcasts the outcome of a cycle.
func (h *Handler) OnCycle(report *reconcile.CycleReport, err error) {
	data := SyncCompleteData{}
	if report != nil {
		data = SyncCompleteData{
			Pulled:   report.Pulled,
			Applied:  report.Applied,
			Retained: report.Retained,
			Pushed:   report.Pushed,
			Rejected: report.Rejected,
			NewFeeds: report.NewRemoteFeeds,
			Duration: report.Duration,
		}
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.server.BroadcastData(MessageTypeSyncComplete, data)
}

// OnStoreChanged broadcasts refreshed store statistics.
func (h *Handler) OnStoreChanged(stats *db.Stats) {
	h.server.BroadcastData(MessageTypeStoreChanged, stats)
}

// OnDevices broadcasts the chain's device list.
func (h *Handler) OnDevices(devices []schema.Device) {
	h.server.BroadcastData(MessageTypeDevices, devices)
}

// OnIngest broadcasts the results of one ingestion pass.
func (h *Handler) OnIngest(source string, results []*ingest.Result) {
	data := IngestCompleteData{Source: source, Feeds: len(results)}
	for _, r := range results {
		data.Inserted += r.Inserted
		data.Updated += r.Updated
		data.Evicted += r.Evicted
		data.Failed += r.Failed
	}
	h.logger.Printf("Ingest from %s: %d feeds, %d new items", source, data.Feeds, data.Inserted)
	h.server.BroadcastData(MessageTypeIngestComplete, data)
}
