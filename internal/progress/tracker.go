package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives progress events, one at a time. Event volume is low (a
// handful per run) so fan-out is synchronous.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}

// Snapshot is the concurrently readable state of the most recent run.
type Snapshot struct {
	RunID            uuid.UUID `json:"run_id"`
	Universe         string    `json:"universe"`
	Stage            Stage     `json:"stage"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ArticlesFound    int       `json:"articles_found"`
	ArticlesWritten  int       `json:"articles_written"`
	ImagesDownloaded int       `json:"images_downloaded"`
	ImagesCached     int       `json:"images_cached"`
	ImagesFailed     int       `json:"images_failed"`
	Errors           []string  `json:"errors"`
}

// Tracker applies events to a run snapshot and fans them out to sinks.
// Safe for concurrent use; the serving path calls Snapshot while a run
// emits.
type Tracker struct {
	mu    sync.RWMutex
	snap  Snapshot
	sinks []Sink

	sinkTimeout time.Duration
	logger      *zap.Logger
}

// NewTracker builds a Tracker over the given sinks.
func NewTracker(logger *zap.Logger, sinks ...Sink) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		snap:        Snapshot{Stage: StageIdle},
		sinks:       append([]Sink(nil), sinks...),
		sinkTimeout: 10 * time.Second,
		logger:      logger,
	}
}

// Emit validates and applies the event, then fans it out. Invalid events
// are dropped with a debug log. A failing sink never fails the emitter.
func (t *Tracker) Emit(evt Event) {
	if t == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		t.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	t.apply(evt)

	for _, sink := range t.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.sinkTimeout)
		if err := sink.Consume(ctx, evt); err != nil {
			t.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (t *Tracker) apply(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A new run id resets the snapshot.
	if evt.RunID != t.snap.RunID {
		t.snap = Snapshot{
			RunID:     evt.RunID,
			Universe:  evt.Universe,
			StartedAt: evt.TS,
		}
	}
	t.snap.Stage = evt.Stage
	t.snap.UpdatedAt = evt.TS
	if evt.ArticlesFound > 0 {
		t.snap.ArticlesFound = evt.ArticlesFound
	}
	if evt.ArticlesWritten > 0 {
		t.snap.ArticlesWritten = evt.ArticlesWritten
	}
	if evt.ImagesDownloaded > 0 {
		t.snap.ImagesDownloaded = evt.ImagesDownloaded
	}
	if evt.ImagesCached > 0 {
		t.snap.ImagesCached = evt.ImagesCached
	}
	if evt.ImagesFailed > 0 {
		t.snap.ImagesFailed = evt.ImagesFailed
	}
	if evt.Error != "" {
		t.snap.Errors = append(t.snap.Errors, evt.Error)
	}
}

// Snapshot returns a copy of the current run state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := t.snap
	snap.Errors = append([]string(nil), t.snap.Errors...)
	return snap
}

// Close closes every sink.
func (t *Tracker) Close(ctx context.Context) error {
	var first error
	for _, sink := range t.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
