// Package memory is an in-process signaling store. It backs the relay server
// and the tests, and lets two calls in the same process talk to each other.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"p2pcall/pkg/signal"
	psync "p2pcall/pkg/sync"

	"github.com/pkg/errors"
)

type Store struct {
	cfg Config

	mx       sync.Mutex
	docs     map[string]signal.Fields
	streams  map[string][]signal.Record
	docSubs  map[string]map[uint64]*subscriber
	strSubs  map[string]map[uint64]*subscriber
	nextSub  uint64
	failWith error
}

type Config struct {
	// Redeliver hands every notification to subscribers twice.
	Redeliver bool
}

func NewStore(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		docs:    make(map[string]signal.Fields),
		streams: make(map[string][]signal.Record),
		docSubs: make(map[string]map[uint64]*subscriber),
		strSubs: make(map[string]map[uint64]*subscriber),
	}
}

// SetUnavailable makes every following operation fail with an error matching
// signal.ErrStoreUnavailable until it is called again with nil.
func (s *Store) SetUnavailable(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.failWith = err
}

func (s *Store) CreateDocument(ctx context.Context, key string, fields signal.Fields) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}

	if _, ok := s.docs[key]; ok {
		return errors.Wrap(signal.ErrDocumentConflict, key)
	}

	s.docs[key] = fields.Clone()
	s.notifyDocument(key)

	return nil
}

func (s *Store) ReadDocument(ctx context.Context, key string) (signal.Fields, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	doc, ok := s.docs[key]
	if !ok {
		return nil, errors.Wrap(signal.ErrDocumentNotFound, key)
	}

	return doc.Clone(), nil
}

func (s *Store) UpdateFields(ctx context.Context, key string, set, match signal.Fields) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}

	doc, ok := s.docs[key]
	if !ok {
		return errors.Wrap(signal.ErrDocumentNotFound, key)
	}

	if !doc.Matches(match) {
		return errors.Wrap(signal.ErrDocumentConflict, key)
	}

	for k, v := range set {
		doc[k] = v
	}

	s.notifyDocument(key)

	return nil
}

func (s *Store) AppendToStream(ctx context.Context, streamKey string, data []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}

	record := signal.Record{
		Seq:  uint64(len(s.streams[streamKey]) + 1),
		Data: append([]byte(nil), data...),
	}

	s.streams[streamKey] = append(s.streams[streamKey], record)

	for _, sub := range s.strSubs[streamKey] {
		s.deliverRecord(sub, record)
	}

	return nil
}

func (s *Store) SubscribeStream(ctx context.Context, streamKey string, onAppend func(signal.StreamEvent)) (signal.CancelFunc, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	sub := s.newSubscriber(func(ev any) { onAppend(ev.(signal.StreamEvent)) })

	for _, record := range s.streams[streamKey] {
		s.deliverRecord(sub, record)
	}

	s.register(s.strSubs, streamKey, sub)

	return s.cancelFunc(s.strSubs, streamKey, sub), nil
}

func (s *Store) SubscribeDocument(ctx context.Context, key string, onChange func(signal.DocumentEvent)) (signal.CancelFunc, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	sub := s.newSubscriber(func(ev any) { onChange(ev.(signal.DocumentEvent)) })

	if doc, ok := s.docs[key]; ok {
		s.deliver(sub, signal.DocumentEvent{Fields: doc.Clone()})
	}

	s.register(s.docSubs, key, sub)

	return s.cancelFunc(s.docSubs, key, sub), nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	return signal.Unavailable(s.failWith)
}

func (s *Store) notifyDocument(key string) {
	for _, sub := range s.docSubs[key] {
		s.deliver(sub, signal.DocumentEvent{Fields: s.docs[key].Clone()})
	}
}

func (s *Store) deliverRecord(sub *subscriber, record signal.Record) {
	s.deliver(sub, signal.StreamEvent{Record: signal.Record{
		Seq:  record.Seq,
		Data: append([]byte(nil), record.Data...),
	}})
}

func (s *Store) deliver(sub *subscriber, ev any) {
	sub.push(ev)

	if s.cfg.Redeliver {
		sub.push(ev)
	}
}

func (s *Store) newSubscriber(handler func(any)) *subscriber {
	s.nextSub++

	return &subscriber{
		id:       s.nextSub,
		handler:  handler,
		executor: psync.NewExecutor(),
	}
}

func (s *Store) register(subs map[string]map[uint64]*subscriber, key string, sub *subscriber) {
	if subs[key] == nil {
		subs[key] = make(map[uint64]*subscriber)
	}

	subs[key][sub.id] = sub
}

func (s *Store) cancelFunc(subs map[string]map[uint64]*subscriber, key string, sub *subscriber) signal.CancelFunc {
	return func() {
		s.mx.Lock()
		delete(subs[key], sub.id)
		if len(subs[key]) == 0 {
			delete(subs, key)
		}
		s.mx.Unlock()

		sub.cancel()
	}
}

// subscriber delivers events to one handler in order, on its own goroutine,
// so that a slow handler never holds up the store.
type subscriber struct {
	id        uint64
	handler   func(any)
	executor  *psync.Executor
	cancelled atomic.Bool
}

func (s *subscriber) push(ev any) {
	s.executor.Go(func() {
		if s.cancelled.Load() {
			return
		}

		s.handler(ev)
	})
}

// cancel may be called from within the handler itself, so it does not wait
// for the executor to drain.
func (s *subscriber) cancel() {
	if s.cancelled.Swap(true) {
		return
	}

	go s.executor.Stop()
}
