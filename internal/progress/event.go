package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart Stage = "BATCH_START"
	StageFetchDone  Stage = "FETCH_DONE"
	StageBatchDone  Stage = "BATCH_DONE"
	StageBatchError Stage = "BATCH_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported status classes. StatusNone marks a URL that never got a response.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusNone  StatusClass = "none"
	StatusOther StatusClass = "other"
)

// Event captures one batch milestone.
type Event struct {
	// BatchID correlates events from one FetchAll call. It may be empty when
	// no id source is configured.
	BatchID string
	TS      time.Time
	Stage   Stage
	// Host scopes fetch events to a host group.
	Host string
	URL  string
	// StatusClass groups the final response code of a fetch.
	StatusClass StatusClass
	Attempts    int
	// URLs is the batch size on BATCH_START and the settled count on BATCH_DONE.
	URLs      int
	Succeeded int
	Dur       time.Duration
	// Note carries low-volume context such as the failure text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone, StageBatchError:
	case StageFetchDone:
		if e.URL == "" {
			return errors.New("fetch done requires url")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events. Zero means no
// response was received.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code == 0:
		return StatusNone
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
