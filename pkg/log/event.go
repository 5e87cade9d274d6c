package log

import (
	"time"
)

// Event is one entry of the traffic trace.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the client session.
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates message flow relative to the hub.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"5,keyasint"`

	// Transport is "tcp" or "ws".
	Transport string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// DeviceID is set for notification traffic.
	DeviceID string `cbor:"8,keyasint,omitempty"`

	// Principal names the authenticated caller.
	Principal string `cbor:"9,keyasint,omitempty"`

	// Exactly one of these is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn is client to hub.
	DirectionIn Direction = 0
	// DirectionOut is hub to client.
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

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message layer (decoded).
	LayerWire Layer = 1
	// LayerService is the subscription service.
	LayerService Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage is a request, response or push.
	CategoryMessage Category = 0
	// CategoryState is a lifecycle change.
	CategoryState Category = 1
	// CategoryError is a failure.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame (may be truncated).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates Data was cut short.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded wire message.
type MessageEvent struct {
	// Type distinguishes request, response and push.
	Type MessageType `cbor:"1,keyasint"`

	// Action is the request action.
	Action string `cbor:"2,keyasint,omitempty"`

	// RequestID is the client correlation ID, formatted as text.
	RequestID string `cbor:"3,keyasint,omitempty"`

	// SubscriptionID is set for subscribe responses and pushes.
	SubscriptionID string `cbor:"4,keyasint,omitempty"`

	// Status is the response status.
	Status string `cbor:"5,keyasint,omitempty"`

	// Code is the response error code.
	Code int `cbor:"6,keyasint,omitempty"`

	// NotificationID is set for inserts and pushes.
	NotificationID int64 `cbor:"7,keyasint,omitempty"`

	// ProcessingTime is the time from request receipt to response.
	ProcessingTime *time.Duration `cbor:"8,keyasint,omitempty"`
}

// MessageType distinguishes request, response and push.
type MessageType uint8

const (
	// MessageTypeRequest is a client request.
	MessageTypeRequest MessageType = 0
	// MessageTypeResponse is the hub's answer.
	MessageTypeResponse MessageType = 1
	// MessageTypePush is an unsolicited notification delivery.
	MessageTypePush MessageType = 2
)

// String returns the message type name.
func (m MessageType) String() string {
	switch m {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypePush:
		return "PUSH"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures connection, session and subscription lifecycle.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change.
	Reason string `cbor:"4,keyasint,omitempty"`

	// SubscriptionIDs lists affected subscriptions.
	SubscriptionIDs []string `cbor:"5,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection is the transport connection.
	StateEntityConnection StateEntity = 0
	// StateEntitySession is the authenticated session.
	StateEntitySession StateEntity = 1
	// StateEntitySubscription is one or more subscriptions.
	StateEntitySubscription StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntitySession:
		return "SESSION"
	case StateEntitySubscription:
		return "SUBSCRIPTION"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error text.
	Message string `cbor:"2,keyasint"`

	// Code is the status code reported to the client (if any).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes the operation.
	Context string `cbor:"4,keyasint,omitempty"`
}
