package wire

import (
	"errors"
	"time"

	"github.com/devicehive/notifyhub/pkg/model"
)

// Actions understood by the hub.
const (
	ActionAuthenticate = "authenticate"
	ActionServerInfo   = "server/info"
	ActionSubscribe    = "notification/subscribe"
	ActionUnsubscribe  = "notification/unsubscribe"
	ActionInsert       = "notification/insert"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrMissingAction indicates a request without an action.
var ErrMissingAction = errors.New("action is required")

// Request is a client message.
type Request struct {
	Action    string `cbor:"action" json:"action"`
	RequestID any    `cbor:"requestId,omitempty" json:"requestId,omitempty"`

	// authenticate
	Token string `cbor:"token,omitempty" json:"token,omitempty"`

	// notification/subscribe, notification/unsubscribe, notification/insert
	DeviceID       string     `cbor:"deviceId,omitempty" json:"deviceId,omitempty"`
	DeviceIDs      []string   `cbor:"deviceIds,omitempty" json:"deviceIds,omitempty"`
	Names          []string   `cbor:"names,omitempty" json:"names,omitempty"`
	Timestamp      *time.Time `cbor:"timestamp,omitempty" json:"timestamp,omitempty"`
	SubscriptionID string     `cbor:"subscriptionId,omitempty" json:"subscriptionId,omitempty"`

	Notification *NotificationBody `cbor:"notification,omitempty" json:"notification,omitempty"`
}

// Validate checks that the request names an action.
func (r *Request) Validate() error {
	if r.Action == "" {
		return ErrMissingAction
	}
	return nil
}

// NotificationBody is the wire form of a notification. Requests carry only
// the name and parameters; responses carry the ID and timestamp.
type NotificationBody struct {
	ID         int64          `cbor:"id,omitempty" json:"id,omitempty"`
	DeviceID   string         `cbor:"deviceId,omitempty" json:"deviceId,omitempty"`
	Name       string         `cbor:"notification,omitempty" json:"notification,omitempty"`
	Parameters map[string]any `cbor:"parameters,omitempty" json:"parameters,omitempty"`
	Timestamp  *time.Time     `cbor:"timestamp,omitempty" json:"timestamp,omitempty"`
}

// NewNotificationBody converts a stored notification.
func NewNotificationBody(n *model.Notification) *NotificationBody {
	ts := n.Timestamp.UTC()
	return &NotificationBody{
		ID:         n.ID,
		DeviceID:   n.DeviceID,
		Name:       n.Name,
		Parameters: n.Payload,
		Timestamp:  &ts,
	}
}

// Response answers a Request.
type Response struct {
	Action    string `cbor:"action" json:"action"`
	RequestID any    `cbor:"requestId,omitempty" json:"requestId,omitempty"`
	Status    string `cbor:"status" json:"status"`
	Code      int    `cbor:"code,omitempty" json:"code,omitempty"`
	Error     string `cbor:"error,omitempty" json:"error,omitempty"`

	SubscriptionID  string            `cbor:"subscriptionId,omitempty" json:"subscriptionId,omitempty"`
	Notification    *NotificationBody `cbor:"notification,omitempty" json:"notification,omitempty"`
	ServerTimestamp *time.Time        `cbor:"serverTimestamp,omitempty" json:"serverTimestamp,omitempty"`
	APIVersion      string            `cbor:"apiVersion,omitempty" json:"apiVersion,omitempty"`
}

// IsSuccess returns true if the request succeeded.
func (r *Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// NewSuccess creates a success response for req.
func NewSuccess(req *Request) *Response {
	return &Response{
		Action:    req.Action,
		RequestID: req.RequestID,
		Status:    StatusSuccess,
	}
}

// NewFailure creates an error response. req may be nil when the request
// could not be decoded.
func NewFailure(req *Request, code int, message string) *Response {
	resp := &Response{
		Status: StatusError,
		Code:   code,
		Error:  message,
	}
	if req != nil {
		resp.Action = req.Action
		resp.RequestID = req.RequestID
	}
	return resp
}

// Push delivers a notification matched by a subscription.
type Push struct {
	Action         string            `cbor:"action" json:"action"`
	SubscriptionID string            `cbor:"subscriptionId" json:"subscriptionId"`
	Notification   *NotificationBody `cbor:"notification" json:"notification"`
}

// NewPush creates a push for subscriptionID.
func NewPush(subscriptionID string, n *model.Notification) *Push {
	return &Push{
		Action:         ActionInsert,
		SubscriptionID: subscriptionID,
		Notification:   NewNotificationBody(n),
	}
}

// ToNotification converts the push back into a model notification.
func (p *Push) ToNotification() *model.Notification {
	if p.Notification == nil {
		return nil
	}
	n := &model.Notification{
		ID:       p.Notification.ID,
		DeviceID: p.Notification.DeviceID,
		Name:     p.Notification.Name,
		Payload:  p.Notification.Parameters,
	}
	if p.Notification.Timestamp != nil {
		n.Timestamp = *p.Notification.Timestamp
	}
	return n
}
