// Package progress defines the event stream emitted by prefetch runs and
// the tracker the serving path reads status from.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names one phase of a prefetch run.
type Stage string

// Prefetch lifecycle stages. A run moves forward through the first four
// and terminates in StageComplete or StageFailed.
const (
	StageIdle     Stage = "idle"
	StageFetching Stage = "fetching_via_api"
	StageWriting  Stage = "writing_to_store"
	StageImages   Stage = "prefetching_images"
	StageComplete Stage = "complete"
	StageFailed   Stage = "failed"
)

// Stages lists every stage name, for metrics gauges keyed by stage.
func Stages() []string {
	return []string{
		string(StageIdle), string(StageFetching), string(StageWriting),
		string(StageImages), string(StageComplete), string(StageFailed),
	}
}

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Event captures one progress milestone of a prefetch run. Count fields
// are cumulative for the run, not deltas.
type Event struct {
	// RunID identifies the prefetch run.
	RunID uuid.UUID
	// Universe is the wiki being crawled.
	Universe string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage is the phase the run just entered or is reporting from.
	Stage Stage

	ArticlesFound    int
	ArticlesWritten  int
	ImagesDownloaded int
	ImagesCached     int
	ImagesFailed     int

	// Error carries a non-fatal error message to append to the run's
	// error list, or the fatal message on StageFailed.
	Error string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.Universe == "" {
		return errors.New("universe is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageIdle, StageFetching, StageWriting, StageImages, StageComplete:
	case StageFailed:
		if e.Error == "" {
			return errors.New("failed stage requires an error message")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
