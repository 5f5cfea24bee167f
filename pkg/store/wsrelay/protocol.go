// Package wsrelay exposes a signal.Store over a websocket so that two
// participants on different machines can share one store.
//
// Every frame is a JSON object. Clients send requests, the server answers
// each one with a response carrying the same id, and pushes events for live
// subscriptions, tagged with the id of the subscribe request.
package wsrelay

import (
	"p2pcall/pkg/signal"

	"github.com/pkg/errors"
)

type op string

const (
	opCreate            op = "create"
	opRead              op = "read"
	opUpdate            op = "update"
	opAppend            op = "append"
	opSubscribeStream   op = "subscribe_stream"
	opSubscribeDocument op = "subscribe_document"
	opUnsubscribe       op = "unsubscribe"
)

type request struct {
	ID     string        `json:"id"`
	Op     op            `json:"op"`
	Key    string        `json:"key,omitempty"`
	Fields signal.Fields `json:"fields,omitempty"`
	Match  signal.Fields `json:"match,omitempty"`
	Data   []byte        `json:"data,omitempty"`
}

type kind string

const (
	kindResponse kind = "response"
	kindEvent    kind = "event"
)

type message struct {
	Kind   kind           `json:"kind"`
	ID     string         `json:"id"`
	Error  *wireError     `json:"error,omitempty"`
	Fields signal.Fields  `json:"fields,omitempty"`
	Record *signal.Record `json:"record,omitempty"`
}

const (
	codeNotFound    = "not_found"
	codeConflict    = "conflict"
	codeUnavailable = "unavailable"
	codeInvalid     = "invalid"
	codeInternal    = "internal"
)

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}

	code := codeInternal

	switch {
	case errors.Is(err, signal.ErrDocumentNotFound):
		code = codeNotFound
	case errors.Is(err, signal.ErrDocumentConflict):
		code = codeConflict
	case errors.Is(err, signal.ErrStoreUnavailable):
		code = codeUnavailable
	}

	return &wireError{Code: code, Message: err.Error()}
}

func (e *wireError) decode() error {
	switch e.Code {
	case codeNotFound:
		return errors.WithMessage(signal.ErrDocumentNotFound, e.Message)
	case codeConflict:
		return errors.WithMessage(signal.ErrDocumentConflict, e.Message)
	case codeUnavailable:
		return signal.Unavailable(errors.New(e.Message))
	default:
		return errors.Errorf("relay: %s", e.Message)
	}
}
