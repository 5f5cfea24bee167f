package room

import (
	"context"
	"sync"

	"p2pcall/pkg/candidate"
	"p2pcall/pkg/log"
	"p2pcall/pkg/negotiation"
	"p2pcall/pkg/signal"
	psync "p2pcall/pkg/sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type EventKind int

const (
	EventNegotiated EventKind = iota + 1
	EventError
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventNegotiated:
		return "negotiated"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event reports progress of a call. Err is set for EventError, and for
// EventEnded when the call ended on its own (signal.ErrTransportFailure or
// signal.ErrAnswerRejected).
type Event struct {
	Kind    EventKind
	Session *CallSession
	Err     error
}

// CallSession is one participant's side of one call. It exclusively owns its
// transport. Store notifications and transport callbacks are handled one at a
// time on the session's executor.
type CallSession struct {
	coord  *Coordinator
	roomID string
	role   signal.Role
	log    *logrus.Entry

	transport signal.Transport
	machine   *negotiation.Machine
	executor  *psync.Executor

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the executor.
	outbound *candidate.Channel
	pending  []string

	mx       sync.Mutex
	ended    bool
	err      error
	cancels  []signal.CancelFunc
	doneChan chan struct{}
}

func newCallSession(coord *Coordinator, roomID string, role signal.Role) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())

	return &CallSession{
		coord:    coord,
		roomID:   roomID,
		role:     role,
		log:      log.WithRoom(roomID, string(role)),
		executor: psync.NewExecutor(),
		ctx:      ctx,
		cancel:   cancel,
		doneChan: make(chan struct{}),
	}
}

// release stops a session that never got a transport.
func (s *CallSession) release() {
	s.cancel()
	s.executor.Stop()
}

func (s *CallSession) RoomID() string {
	return s.roomID
}

func (s *CallSession) Role() signal.Role {
	return s.role
}

func (s *CallSession) State() negotiation.State {
	return s.machine.State()
}

// CallID is the id of the call session the room currently carries.
func (s *CallSession) CallID() string {
	return s.machine.Session()
}

func (s *CallSession) Transport() signal.Transport {
	return s.transport
}

// Done is closed once the call has ended and its transport is released.
func (s *CallSession) Done() <-chan struct{} {
	return s.doneChan
}

// Err is the reason the call ended on its own, nil after EndCall.
func (s *CallSession) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.err
}

func (s *CallSession) watchTransport() {
	s.transport.OnLocalCandidate(func(payload string) {
		s.executor.Go(func() {
			s.publishLocal(payload)
		})
	})

	s.transport.OnFailure(func(err error) {
		s.log.WithError(err).Warn("transport failed, ending call")

		s.fail(errors.Wrap(signal.ErrTransportFailure, err.Error()))
	})
}

// fail ends the call on its own goroutine, so it may be called from a task.
func (s *CallSession) fail(cause error) {
	go func() {
		if err := s.end(context.Background(), cause, true); err != nil {
			s.log.WithError(err).Error("end failed call")
		}
	}()
}

// openChannels starts publishing local candidates on this role's stream and
// forwarding the other role's candidates to the transport.
func (s *CallSession) openChannels(ctx context.Context, session string) error {
	inbound := candidate.NewChannel(s.coord.store, s.roomID, session, s.role.Opposite())

	cancel, err := inbound.Subscribe(ctx, func(c signal.Candidate) {
		s.executor.Go(func() {
			s.onRemoteCandidate(c)
		})
	}, func(err error) {
		s.executor.Go(func() {
			s.onError(err)
		})
	})
	if err != nil {
		return err
	}

	if !s.addCancel(cancel) {
		cancel()

		return errors.Wrap(signal.ErrInvalidState, "call ended while opening candidate channels")
	}

	outbound := candidate.NewChannel(s.coord.store, s.roomID, session, s.role)

	s.executor.Go(func() {
		s.outbound = outbound

		pending := s.pending
		s.pending = nil

		for _, payload := range pending {
			s.publishLocal(payload)
		}
	})

	return nil
}

func (s *CallSession) publishLocal(payload string) {
	if s.outbound == nil {
		s.pending = append(s.pending, payload)

		return
	}

	if _, err := s.outbound.Publish(s.ctx, payload); err != nil {
		s.onError(err)

		return
	}

	s.log.Debug("local candidate published")
}

// onRemoteCandidate forwards immediately, whether or not the remote
// description is in place yet.
func (s *CallSession) onRemoteCandidate(c signal.Candidate) {
	if err := s.transport.AddRemoteCandidate(c.Payload); err != nil {
		s.onError(errors.Wrapf(err, "add remote candidate %s", c.ID))
	}
}

func (s *CallSession) onNegotiated() {
	s.log.Info("negotiated")
	s.coord.emit(Event{Kind: EventNegotiated, Session: s})
}

// onAnswerError ends the call when the answer was rejected, there is no
// other answer to wait for.
func (s *CallSession) onAnswerError(err error) {
	if !errors.Is(err, signal.ErrAnswerRejected) {
		s.onError(err)

		return
	}

	s.log.WithError(err).Warn("answer rejected, ending call")
	s.fail(err)
}

func (s *CallSession) onError(err error) {
	s.log.WithError(err).Error("call error")
	s.coord.emit(Event{Kind: EventError, Session: s, Err: err})
}

func (s *CallSession) addCancel(cancel signal.CancelFunc) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.ended {
		return false
	}

	s.cancels = append(s.cancels, cancel)

	return true
}

// abort ends a session whose setup failed and returns the setup error.
func (s *CallSession) abort(ctx context.Context, cause error) error {
	if err := s.end(ctx, nil, false); err != nil {
		s.log.WithError(err).Warn("clean up failed call")
	}

	return cause
}

func (s *CallSession) end(ctx context.Context, cause error, notify bool) error {
	s.mx.Lock()
	if s.ended {
		s.mx.Unlock()
		<-s.doneChan

		return nil
	}
	s.ended = true
	s.err = cause
	cancels := s.cancels
	s.cancels = nil
	s.mx.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	s.cancel()
	s.executor.Stop()

	err := s.machine.End(ctx)

	s.coord.registry.remove(s)
	close(s.doneChan)

	if notify {
		s.log.Info("call ended")
		s.coord.emit(Event{Kind: EventEnded, Session: s, Err: cause})
	}

	return err
}
