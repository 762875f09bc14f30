package ingestion

import (
	"fmt"

	"StreamPay/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The shell validates and converts commands before they
// reach the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	return event.Unmarshal(et, raw.Data)
}
