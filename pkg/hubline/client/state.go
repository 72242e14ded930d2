package client

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of one subscription's streaming connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	ErrNoTopics             = errors.New("at least one topic is required")
	ErrEmptyTopic           = errors.New("topic must not be empty")
	ErrNoHandler            = errors.New("message handler is required")
	ErrUnknownSubscription  = errors.New("unknown subscription")
	ErrStreamClosed         = errors.New("event stream closed by server")
	ErrManagerClosed        = errors.New("connection manager is closed")
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
)

// StatusError is reported to the error handler when the hub answers the
// subscribe request with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub responded with %s", e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatusCode
}
