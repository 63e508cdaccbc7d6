// Package stream fans job upsert notifications out to live subscribers
// (websocket sessions, tests) through topic-based pub/sub. Delivery is
// best effort: there is no replay on connect and a slow subscriber drops
// events rather than blocking the publisher.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/jobboard/job"
)

// EventType identifies the kind of notification.
type EventType string

// EventUpsert is published for every job record write.
const EventUpsert EventType = "upsert"

// Event is the envelope delivered to subscribers and written on the wire
// as {"type": "upsert", "job": {...}}.
type Event struct {
	Type EventType       `json:"type"`
	Job  json.RawMessage `json:"job"`

	// Routing metadata, not serialized.
	JobID string    `json:"-"`
	State job.State `json:"-"`
}

// NewUpsert builds the upsert event for rec.
func NewUpsert(rec *job.Record) (*Event, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal job %q: %w", rec.ID, err)
	}
	return &Event{Type: EventUpsert, Job: data, JobID: rec.ID, State: rec.State}, nil
}

// DecodeEvent parses a wire event and restores its routing metadata.
func DecodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("stream: decode event: %w", err)
	}
	var head struct {
		ID    string    `json:"id"`
		State job.State `json:"state"`
	}
	if len(evt.Job) > 0 {
		if err := json.Unmarshal(evt.Job, &head); err != nil {
			return nil, fmt.Errorf("stream: decode event job: %w", err)
		}
	}
	evt.JobID = head.ID
	evt.State = head.State
	return &evt, nil
}
