// Package features turns anonymized behavioral event streams into
// fixed-size numeric feature vectors.
package features

// EventType identifies the kind of behavioral event.
type EventType string

const (
	EventKeyDown   EventType = "keydown"
	EventKeyUp     EventType = "keyup"
	EventMouseMove EventType = "mousemove"
	EventScroll    EventType = "scroll"
	EventClick     EventType = "click"
	EventFocus     EventType = "focus"
)

// KeyClass is the coarse category of a key. The actual key is never captured.
type KeyClass string

const (
	KeyLetter    KeyClass = "letter"
	KeyDigit     KeyClass = "digit"
	KeyBackspace KeyClass = "backspace"
	KeyOther     KeyClass = "other"
)

// Event is a single anonymized behavioral event.
//
// Timestamp is in milliseconds. Pointer moves carry the movement since the
// previous sample in DeltaX/DeltaY, never an absolute position.
type Event struct {
	Type        EventType `json:"type"`
	Timestamp   float64   `json:"timestamp"`
	KeyClass    KeyClass  `json:"keyClass,omitempty"`
	DeltaX      float64   `json:"deltaX,omitempty"`
	DeltaY      float64   `json:"deltaY,omitempty"`
	ScrollDelta float64   `json:"scrollDelta,omitempty"`
}

// IsKey reports whether the event is a key press or release.
func (e Event) IsKey() bool {
	return e.Type == EventKeyDown || e.Type == EventKeyUp
}

// Valid reports whether the event type is known.
func (t EventType) Valid() bool {
	switch t {
	case EventKeyDown, EventKeyUp, EventMouseMove, EventScroll, EventClick, EventFocus:
		return true
	}
	return false
}
