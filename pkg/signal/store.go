package signal

import (
	"context"
)

// Fields is a flat set of document fields. An empty value is equivalent to a
// missing field.
type Fields map[string]string

// Clone returns a copy of f that is safe to hand to another goroutine.
func (f Fields) Clone() Fields {
	c := make(Fields, len(f))

	for k, v := range f {
		c[k] = v
	}

	return c
}

// Matches reports whether every field of match has the same value in f.
func (f Fields) Matches(match Fields) bool {
	for k, v := range match {
		if f[k] != v {
			return false
		}
	}

	return true
}

// Record is one entry of an append-only stream.
type Record struct {
	Seq  uint64
	Data []byte
}

// StreamEvent carries either an appended record or the error that terminated
// the subscription.
type StreamEvent struct {
	Record Record
	Err    error
}

// DocumentEvent carries either the current document state or the error that
// terminated the subscription.
type DocumentEvent struct {
	Fields Fields
	Err    error
}

// CancelFunc stops a subscription. It is safe to call more than once.
type CancelFunc func()

// Store is the signaling substrate shared by both participants.
//
// Delivery is at-least-once and causally ordered per key. Subscriptions
// deliver every existing record (or the current document) first and then
// every later change. The context of a Subscribe call bounds the call only,
// a subscription lives until it is cancelled or fails. Transient failures
// match ErrStoreUnavailable.
type Store interface {
	// CreateDocument fails with ErrDocumentConflict if key already exists.
	CreateDocument(ctx context.Context, key string, fields Fields) error

	// ReadDocument fails with ErrDocumentNotFound if key does not exist.
	ReadDocument(ctx context.Context, key string) (Fields, error)

	// UpdateFields sets the given fields if every field of match currently has
	// the matching value (an empty value matches a missing field). It fails with
	// ErrDocumentNotFound or ErrDocumentConflict.
	UpdateFields(ctx context.Context, key string, set Fields, match Fields) error

	AppendToStream(ctx context.Context, streamKey string, data []byte) error

	SubscribeStream(ctx context.Context, streamKey string, onAppend func(StreamEvent)) (CancelFunc, error)
	SubscribeDocument(ctx context.Context, key string, onChange func(DocumentEvent)) (CancelFunc, error)
}
