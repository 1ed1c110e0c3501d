package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind names the milestone an Event reports.
type Kind string

// Event kinds.
const (
	KindRequestStart Kind = "REQUEST_START"
	KindRequestDone  Kind = "REQUEST_DONE"
	KindRequestError Kind = "REQUEST_ERROR"
	KindStageAttempt Kind = "STAGE_ATTEMPT"
	KindStageDone    Kind = "STAGE_DONE"
)

// Event is one progress milestone of a work item.
type Event struct {
	// RequestID is the work item ID.
	RequestID string
	// RequesterID is the chat user the item belongs to.
	RequesterID string
	TS          time.Time
	Kind        Kind
	// Stage is the page stage name for stage events.
	Stage   string
	Attempt int
	// Result is the stage or pipeline result (ok, error, not_found, skipped).
	Result string
	Dur    time.Duration
	// Note carries short debug text such as an error message.
	Note string
}

// Validate rejects malformed events.
func (e Event) Validate() error {
	if e.RequestID == "" {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRequestStart, KindRequestDone, KindRequestError:
	case KindStageAttempt, KindStageDone:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
		if e.Attempt < 1 {
			return fmt.Errorf("%s requires attempt >= 1", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
