package log

import "time"

// Event represents one pipeline log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the data-flow chain the event belongs to (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"3,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"4,keyasint"`

	// Stage names the flow stage that emitted the event (tunnel, tcp, ...).
	Stage string `cbor:"5,keyasint,omitempty"`

	// Remote is the peer endpoint (host:port), when known.
	Remote string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	StateChange *StateChangeEvent `cbor:"7,keyasint,omitempty"`  // Dispatch state
	Handshake   *HandshakeEvent   `cbor:"8,keyasint,omitempty"`  // Tunnel handshake
	IO          *IOEvent          `cbor:"9,keyasint,omitempty"`  // Byte movement
	Error       *ErrorEventData   `cbor:"10,keyasint,omitempty"` // Errors at any layer
}

// Layer indicates which pipeline layer captured the event.
type Layer uint8

const (
	// LayerStage is the data-flow orchestration layer.
	LayerStage Layer = 0
	// LayerEngine is the tunnel engine layer.
	LayerEngine Layer = 1
	// LayerTransport is the socket layer.
	LayerTransport Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerStage:
		return "STAGE"
	case LayerEngine:
		return "ENGINE"
	case LayerTransport:
		return "TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryState indicates a dispatch state change.
	CategoryState Category = 0
	// CategoryHandshake indicates tunnel handshake progress.
	CategoryHandshake Category = 1
	// CategoryIO indicates bytes moving through a stage.
	CategoryIO Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryState:
		return "STATE"
	case CategoryHandshake:
		return "HANDSHAKE"
	case CategoryIO:
		return "IO"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Direction indicates which way bytes are moving.
type Direction uint8

const (
	// DirectionIn is data arriving from the next hop.
	DirectionIn Direction = 0
	// DirectionOut is data leaving toward the next hop.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Axis indicates which state-machine axis changed.
type Axis uint8

const (
	// AxisConnect is the connect axis.
	AxisConnect Axis = 0
	// AxisRead is the read axis.
	AxisRead Axis = 1
	// AxisWrite is the write axis.
	AxisWrite Axis = 2
)

// String returns the axis name.
func (a Axis) String() string {
	switch a {
	case AxisConnect:
		return "CONNECT"
	case AxisRead:
		return "READ"
	case AxisWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures a dispatch state transition.
type StateChangeEvent struct {
	// Axis that changed.
	Axis Axis `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// HandshakeEvent captures one round of a tunnel handshake.
type HandshakeEvent struct {
	// Round counts engine invocations, starting at 1.
	Round int `cbor:"1,keyasint"`

	// Status is the engine's verdict for this round (DONE, NEEDS_IO, FAILED).
	Status string `cbor:"2,keyasint"`

	// BytesOut is the ciphertext queued for the next hop this round.
	BytesOut int `cbor:"3,keyasint,omitempty"`
}

// IOEvent captures bytes moving through a stage.
type IOEvent struct {
	// Direction of the movement.
	Direction Direction `cbor:"1,keyasint"`

	// Bytes moved.
	Bytes int `cbor:"2,keyasint"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"2,keyasint,omitempty"`
}
