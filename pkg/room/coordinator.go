// Package room drives a whole call from one participant's point of view: it
// owns the transport of each call, runs the negotiation and pumps candidates
// in both directions.
package room

import (
	"context"

	"p2pcall/pkg/negotiation"
	"p2pcall/pkg/signal"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TransportFactory creates the transport of a new call.
type TransportFactory func() (signal.Transport, error)

type Coordinator struct {
	cfg Config

	store        signal.Store
	newTransport TransportFactory
	registry     *Registry
}

type Config struct {
	// OnEvent receives the events of every call. EventNegotiated and
	// EventError run on the call's executor, where EndCall must not be called
	// synchronously. EventEnded runs after the executor has stopped, on the
	// goroutine that ended the call: the caller of EndCall or, for a call that
	// ended on its own, a goroutine of its own.
	OnEvent func(Event)
}

func NewCoordinator(cfg Config, store signal.Store, newTransport TransportFactory) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		store:        store,
		newTransport: newTransport,
		registry:     NewRegistry(),
	}
}

// CreateRoom starts a call as the caller: it posts an offer to the room,
// waits for the answer in the background and exchanges candidates.
func (c *Coordinator) CreateRoom(ctx context.Context, roomID string) (*CallSession, error) {
	s, err := c.newSession(roomID, signal.RoleCaller)
	if err != nil {
		return nil, err
	}

	session := uuid.NewString()
	s.machine = negotiation.New(negotiation.Config{
		RoomID:  roomID,
		Role:    signal.RoleCaller,
		Session: session,
	}, c.store, s.transport, s.executor)

	s.watchTransport()

	if err := s.machine.Start(ctx); err != nil {
		return nil, s.abort(ctx, err)
	}

	if err := s.machine.ObserveAnswer(ctx, s.onNegotiated, s.onAnswerError); err != nil {
		return nil, s.abort(ctx, err)
	}

	if err := s.openChannels(ctx, session); err != nil {
		return nil, s.abort(ctx, err)
	}

	s.log.Info("room created, waiting for a callee")

	return s, nil
}

// JoinRoom starts a call as the callee by answering the offer in the room.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) (*CallSession, error) {
	s, err := c.newSession(roomID, signal.RoleCallee)
	if err != nil {
		return nil, err
	}

	s.machine = negotiation.New(negotiation.Config{
		RoomID: roomID,
		Role:   signal.RoleCallee,
	}, c.store, s.transport, s.executor)

	s.watchTransport()

	if err := s.machine.Join(ctx); err != nil {
		return nil, s.abort(ctx, err)
	}

	if err := s.openChannels(ctx, s.machine.Session()); err != nil {
		return nil, s.abort(ctx, err)
	}

	s.executor.Go(s.onNegotiated)

	s.log.Info("room joined")

	return s, nil
}

// EndCall tears the call down: candidate subscriptions are cancelled and no
// handler runs any more before the transport is released and the room
// cleared. Ending an ended call is a no-op.
func (c *Coordinator) EndCall(ctx context.Context, s *CallSession) error {
	return s.end(ctx, nil, true)
}

// Session returns the live call of the given room, if any.
func (c *Coordinator) Session(roomID string) (*CallSession, bool) {
	return c.registry.Get(roomID)
}

// Close ends every live call.
func (c *Coordinator) Close(ctx context.Context) error {
	var result error

	for _, s := range c.registry.All() {
		if err := c.EndCall(ctx, s); err != nil && result == nil {
			result = err
		}
	}

	return result
}

func (c *Coordinator) newSession(roomID string, role signal.Role) (*CallSession, error) {
	if err := signal.ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	s := newCallSession(c, roomID, role)

	if err := c.registry.add(s); err != nil {
		s.release()

		return nil, err
	}

	transport, err := c.newTransport()
	if err != nil {
		c.registry.remove(s)
		s.release()

		return nil, errors.Wrap(err, "create transport")
	}

	s.transport = transport

	return s, nil
}

func (c *Coordinator) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}
