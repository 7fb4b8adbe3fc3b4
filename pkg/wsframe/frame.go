// Package wsframe defines the frames exchanged on the websocket push
// channel between the client transport and the gateway hub.
package wsframe

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ErrorPayload describes a failed frame.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Frame is the unit written with wsjson in both directions.
type Frame struct {
	ID      string          `json:"id,omitempty"`      // Correlates acks with requests
	Type    string          `json:"type"`              // One of the Type constants
	Topic   string          `json:"topic,omitempty"`   // Broker topic
	QoS     byte            `json:"qos,omitempty"`     // Delivery quality reported to observers
	Payload json.RawMessage `json:"payload,omitempty"` // Raw push payload, never re-encoded
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// Frame types.
const (
	TypeHello              = "hello"
	TypeSubscribeRequest   = "subscribe_request"
	TypeUnsubscribeRequest = "unsubscribe_request"
	TypeSubscriptionAck    = "subscription_ack"
	TypePublish            = "publish"
	TypeError              = "error"
)

// Hello is the payload of the first client frame.
type Hello struct {
	ClientID string `json:"client_id"`
}

// NewID returns a fresh frame id.
func NewID() string {
	return uuid.NewString()
}

// Publish builds a publish frame carrying payload verbatim.
func Publish(topic string, payload []byte) *Frame {
	return &Frame{Type: TypePublish, Topic: topic, Payload: json.RawMessage(payload)}
}

// Subscribe builds a subscribe request.
func Subscribe(topic string) *Frame {
	return &Frame{ID: NewID(), Type: TypeSubscribeRequest, Topic: topic}
}

// Unsubscribe builds an unsubscribe request.
func Unsubscribe(topic string) *Frame {
	return &Frame{ID: NewID(), Type: TypeUnsubscribeRequest, Topic: topic}
}

// NewHello builds the hello frame for clientID.
func NewHello(clientID string) (*Frame, error) {
	data, err := json.Marshal(Hello{ClientID: clientID})
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeHello, Payload: data}, nil
}

// Ack acknowledges req. A non-nil errPayload marks the request as failed.
func Ack(req *Frame, errPayload *ErrorPayload) *Frame {
	return &Frame{ID: req.ID, Type: TypeSubscriptionAck, Topic: req.Topic, Error: errPayload}
}

// DecodePayload unmarshals the payload into v. A missing payload leaves v
// untouched.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}
