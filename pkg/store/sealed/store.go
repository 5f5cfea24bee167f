// Package sealed encrypts what a signaling store carries, so that whoever
// runs the store can neither read nor alter session descriptions or
// candidates.
package sealed

import (
	"context"
	"encoding/base64"

	"p2pcall/pkg/signal"

	"github.com/pkg/errors"
)

var ErrUnsealable = errors.New("cannot open sealed value")

type Cipher interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

var _ signal.Store = (*Store)(nil)

// Store seals the configured document fields and every stream record before
// they reach the inner store. Empty values stay empty, so that "missing" keeps
// its meaning in matches.
type Store struct {
	inner  signal.Store
	cipher Cipher
	fields map[string]bool
}

type Config struct {
	// Fields are the document fields to seal, the offer and the answer by
	// default.
	Fields []string
}

func NewStore(cfg Config, inner signal.Store, cipher Cipher) *Store {
	fields := cfg.Fields
	if len(fields) == 0 {
		fields = []string{signal.FieldOffer, signal.FieldAnswer}
	}

	s := &Store{
		inner:  inner,
		cipher: cipher,
		fields: make(map[string]bool, len(fields)),
	}

	for _, field := range fields {
		s.fields[field] = true
	}

	return s
}

func (s *Store) CreateDocument(ctx context.Context, key string, fields signal.Fields) error {
	sealed, err := s.sealFields(fields)
	if err != nil {
		return err
	}

	return s.inner.CreateDocument(ctx, key, sealed)
}

func (s *Store) ReadDocument(ctx context.Context, key string) (signal.Fields, error) {
	fields, err := s.inner.ReadDocument(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.openFields(fields)
}

// UpdateFields can only match a sealed field against the empty value, sealed
// values never compare equal.
func (s *Store) UpdateFields(ctx context.Context, key string, set, match signal.Fields) error {
	for field, value := range match {
		if s.fields[field] && value != "" {
			return errors.Errorf("cannot match sealed field %q by value", field)
		}
	}

	sealed, err := s.sealFields(set)
	if err != nil {
		return err
	}

	return s.inner.UpdateFields(ctx, key, sealed, match)
}

func (s *Store) AppendToStream(ctx context.Context, streamKey string, data []byte) error {
	sealed, err := s.cipher.Encrypt(data)
	if err != nil {
		return errors.Wrap(err, "seal record")
	}

	return s.inner.AppendToStream(ctx, streamKey, sealed)
}

func (s *Store) SubscribeStream(ctx context.Context, streamKey string, onAppend func(signal.StreamEvent)) (signal.CancelFunc, error) {
	return s.inner.SubscribeStream(ctx, streamKey, func(ev signal.StreamEvent) {
		if ev.Err == nil {
			data, err := s.cipher.Decrypt(ev.Record.Data)
			if err != nil {
				ev.Err = errors.Wrapf(ErrUnsealable, "record #%d: %s", ev.Record.Seq, err)
			}

			ev.Record.Data = data
		}

		onAppend(ev)
	})
}

func (s *Store) SubscribeDocument(ctx context.Context, key string, onChange func(signal.DocumentEvent)) (signal.CancelFunc, error) {
	return s.inner.SubscribeDocument(ctx, key, func(ev signal.DocumentEvent) {
		if ev.Err == nil {
			ev.Fields, ev.Err = s.openFields(ev.Fields)
		}

		onChange(ev)
	})
}

func (s *Store) sealFields(fields signal.Fields) (signal.Fields, error) {
	sealed := fields.Clone()

	for field, value := range fields {
		if !s.fields[field] || value == "" {
			continue
		}

		encrypted, err := s.cipher.Encrypt([]byte(value))
		if err != nil {
			return nil, errors.Wrapf(err, "seal %s", field)
		}

		sealed[field] = base64.StdEncoding.EncodeToString(encrypted)
	}

	return sealed, nil
}

func (s *Store) openFields(fields signal.Fields) (signal.Fields, error) {
	opened := fields.Clone()

	for field, value := range fields {
		if !s.fields[field] || value == "" {
			continue
		}

		encrypted, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsealable, "%s: %s", field, err)
		}

		decrypted, err := s.cipher.Decrypt(encrypted)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsealable, "%s: %s", field, err)
		}

		opened[field] = string(decrypted)
	}

	return opened, nil
}
