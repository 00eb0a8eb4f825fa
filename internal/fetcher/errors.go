package fetcher

import "fmt"

// NetworkError covers connection failures, per-attempt timeouts, and
// non-2xx responses. Retried up to the configured attempt count.
type NetworkError struct {
	Endpoint string
	Status   int // 0 when the request never got a response
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError covers a response body the source's parser rejected.
// Retried like a network failure — transient truncation looks the same.
type ParseError struct {
	SourceID string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload for %s: %v", e.SourceID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NoDataError means every attempt failed and no offline record exists for
// the source. The only fetch outcome counted as a cycle failure.
type NoDataError struct {
	SourceID string
	LastErr  error
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no data available for %s: %v", e.SourceID, e.LastErr)
}

func (e *NoDataError) Unwrap() error { return e.LastErr }
