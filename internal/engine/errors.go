package engine

import (
	"fmt"

	"github.com/tideworks/conductor/internal/domain"
)

// RetryableStationExecutionError signals that a station did not reach a
// terminal outcome this pass (a non-terminal adapter response, a
// transport_retryable adapter error, or a contended heartbeat/claim write)
// and the message should be retried without failing the run.
type RetryableStationExecutionError struct {
	Station domain.Station
	Err     error
}

func (e *RetryableStationExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("station %s: retryable", e.Station)
	}
	return fmt.Sprintf("station %s: retryable: %v", e.Station, e.Err)
}

func (e *RetryableStationExecutionError) Unwrap() error { return e.Err }

// StationTerminalFailureError signals that a station reached a terminal,
// non-succeeded outcome (failed/canceled/timeout, or a non-retryable adapter
// error) and the run must be finalized as failed at this station.
type StationTerminalFailureError struct {
	Station domain.Station
	Reason  string
	Err     error
}

func (e *StationTerminalFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("station %s: terminal failure: %v", e.Station, e.Err)
	}
	return fmt.Sprintf("station %s: terminal failure: %s", e.Station, e.Reason)
}

func (e *StationTerminalFailureError) Unwrap() error { return e.Err }
