package traffic

import (
	"errors"
	"fmt"
)

// ErrUnknownSource is returned for a source name other than flow or incidents
var ErrUnknownSource = errors.New("unknown source")

// FetchError is a provider or network failure. Nothing was changed; the next
// trigger retries.
type FetchError struct {
	Source Source
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s data: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistError is a failed batch write. The batch was rolled back.
type PersistError struct {
	Source  Source
	Records int
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to store %d %s records: %v", e.Records, e.Source, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// RefreshError wraps any pipeline failure for callers of the orchestrator
type RefreshError struct {
	Source Source
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh of %s failed: %v", e.Source, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
