// Package cloudevent implements the structured JSON mode of CloudEvents 1.0
// over HTTP, with optional HMAC-SHA256 signatures.
package cloudevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const SpecVersion = "1.0"

type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// New returns an event with a random ID and the current time.
func New(eventType, source, subject string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes CloudEvents marks as required.
func (e *CloudEvent) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("unsupported specversion %q", e.SpecVersion)
	case e.Type == "":
		return errors.New("type is required")
	case e.Source == "":
		return errors.New("source is required")
	case e.ID == "":
		return errors.New("id is required")
	}
	return nil
}

// DataInto decodes Data into v by round-tripping through JSON.
func (e *CloudEvent) DataInto(v any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Decode reads and validates one structured-mode event.
func Decode(r io.Reader) (*CloudEvent, error) {
	var e CloudEvent
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
