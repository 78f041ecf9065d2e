package worker

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownMessage = errors.New("unknown message")

// Message is a page-to-worker envelope. The set is closed: DecodeMessage only
// ever returns the types declared in this file.
type Message interface {
	messageType() string
}

const TypeSkipWaiting = "SKIP_WAITING"

type SkipWaitingMessage struct{}

func (SkipWaitingMessage) messageType() string { return TypeSkipWaiting }

type envelope struct {
	Type string `json:"type"`
}

// DecodeMessage validates raw at the boundary. Malformed JSON and unknown
// types both wrap ErrUnknownMessage so callers can drop them uniformly.
func DecodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}
	switch env.Type {
	case TypeSkipWaiting:
		return SkipWaitingMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownMessage, env.Type)
	}
}

// EncodeMessage is the inverse of DecodeMessage.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(envelope{Type: m.messageType()})
}

// Worker-to-page envelopes.
const (
	TypeControllerChange  = "CONTROLLER_CHANGE"
	TypeNotification      = "NOTIFICATION"
	TypeNotificationClose = "NOTIFICATION_CLOSE"
	TypeOpenWindow        = "OPEN_WINDOW"
)

type ControllerChange struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

type NotificationEnvelope struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

type OpenWindow struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type NotificationClose struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}
