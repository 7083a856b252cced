package domain

import (
	"fmt"
	"strings"
)

// ConfigurationError reports missing or invalid startup configuration. It is
// raised before any network activity.
type ConfigurationError struct {
	Missing []string // names of unset required variables
	Reason  string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// RetrievalError reports that a season's dataset could not be fetched or decoded.
type RetrievalError struct {
	Season   int
	Location string
	Err      error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve season %d from %s: %v", e.Season, e.Location, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// SchemaError reports a required field that is missing or cannot be converted.
// Row is the zero-based index of the source row.
type SchemaError struct {
	Season int
	Row    int
	Column string
	Value  any
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("season %d row %d: column %q: %s", e.Season, e.Row, e.Column, e.Reason)
	}
	return fmt.Sprintf("season %d row %d: column %q: %s (value %v)", e.Season, e.Row, e.Column, e.Reason, e.Value)
}

// UpsertError reports a rejected upsert. Status is the HTTP status for REST
// destinations and 0 when the request never produced a response or the
// destination does not speak HTTP.
type UpsertError struct {
	Destination string
	Table       string
	Status      int
	Body        string
	Rows        int
	Err         error

	// Temporary is set by destinations that can tell a dropped connection or
	// an aborted transaction apart from a rejected payload.
	Temporary bool
}

func (e *UpsertError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upsert %d rows into %s (%s) failed: status %d: %s", e.Rows, e.Table, e.Destination, e.Status, e.Body)
	}
	return fmt.Sprintf("upsert %d rows into %s (%s) failed: %v", e.Rows, e.Table, e.Destination, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }

// Transient reports whether resending the same batch may succeed.
func (e *UpsertError) Transient() bool {
	switch {
	case e.Temporary:
		return true
	case e.Status == 0:
		return false
	case e.Status == 429:
		return true
	default:
		return e.Status >= 500
	}
}
