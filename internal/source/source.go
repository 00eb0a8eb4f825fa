// Package source defines the data types shared across the sync pipeline:
// source descriptors, fetched payloads, and durable offline records.
package source

import "time"

// Payload is the decoded body of one source fetch. The pipeline treats it
// as opaque beyond the keys a parser chooses to expose.
type Payload map[string]any

// ParseFunc converts a raw response body into a Payload.
type ParseFunc func(data []byte) (Payload, error)

// Descriptor identifies one data source. IMMUTABLE after pipeline
// construction — the scheduler copies the slice it is given.
type Descriptor struct {
	ID       string
	Endpoint string
	Parser   ParseFunc // nil means ParseJSON
}

// Record is the durable last-known-good payload for a source. One record
// exists per source id; it never expires, only gets replaced.
type Record struct {
	ID        string
	SourceID  string
	Payload   Payload
	Timestamp time.Time
}
