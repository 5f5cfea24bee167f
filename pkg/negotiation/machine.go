// Package negotiation holds the offer/answer state machine of one participant
// in a room.
//
// The caller posts its offer and then waits for the answer to show up in the
// room document. The callee reads the offer, answers it and is done, so it
// never needs to watch the document.
package negotiation

import (
	"context"
	"sync"
	"time"

	"p2pcall/pkg/log"
	"p2pcall/pkg/signal"
	psync "p2pcall/pkg/sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Machine struct {
	cfg Config

	store     signal.Store
	transport signal.Transport
	executor  *psync.Executor
	log       *logrus.Entry

	mx            sync.Mutex
	state         State
	busy          bool
	session       string
	wrote         bool
	remoteApplied bool
	cancelWatch   signal.CancelFunc
}

type Config struct {
	RoomID string
	Role   signal.Role

	// Session identifies the call the caller is about to post. Unused by the
	// callee, which learns it from the room document.
	Session string
}

// New returns an Idle machine. Room document notifications are handled on
// executor, which the machine shares with the rest of the call.
func New(cfg Config, store signal.Store, transport signal.Transport, executor *psync.Executor) *Machine {
	m := &Machine{
		cfg:       cfg,
		store:     store,
		transport: transport,
		executor:  executor,
		log:       log.WithRoom(cfg.RoomID, string(cfg.Role)),
		state:     Idle,
	}

	if cfg.Role == signal.RoleCaller {
		m.session = cfg.Session
	}

	return m
}

func (m *Machine) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.state
}

// Session is the call session id, empty until the callee has read the room.
func (m *Machine) Session() string {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.session
}

// Start creates the local offer and posts it to the room. It fails with
// signal.ErrRoomConflict if the room already carries an offer.
func (m *Machine) Start(ctx context.Context) error {
	if err := m.begin(signal.RoleCaller, Idle, OfferPending); err != nil {
		return err
	}
	defer m.release()

	offer, err := m.transport.CreateLocalOffer(ctx)
	if err != nil {
		return errors.Wrap(err, "create offer")
	}

	if err := m.transport.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "set local offer")
	}

	if err := m.postOffer(ctx, offer); err != nil {
		return err
	}

	if err := m.advance(OfferPending, OfferPosted); err != nil {
		return m.abandon(ctx, err)
	}

	m.log.Debug("offer posted")

	return nil
}

func (m *Machine) postOffer(ctx context.Context, offer signal.SessionDescription) error {
	value, err := signal.EncodeDescription(offer)
	if err != nil {
		return errors.Wrap(err, "encode offer")
	}

	key := signal.RoomKey(m.cfg.RoomID)
	fields := signal.Fields{
		signal.FieldOffer:     value,
		signal.FieldSession:   m.session,
		signal.FieldCreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	err = m.store.CreateDocument(ctx, key, fields)
	if errors.Is(err, signal.ErrDocumentConflict) {
		// A room left behind by an ended call may be taken over, createdAt
		// stays as it was.
		delete(fields, signal.FieldCreatedAt)
		fields[signal.FieldAnswer] = ""

		err = m.store.UpdateFields(ctx, key, fields, signal.Fields{
			signal.FieldOffer:  "",
			signal.FieldAnswer: "",
		})
	}

	switch {
	case err == nil:
		m.mx.Lock()
		m.wrote = true
		m.mx.Unlock()

		return nil
	case errors.Is(err, signal.ErrDocumentConflict), errors.Is(err, signal.ErrDocumentNotFound):
		return errors.Wrapf(signal.ErrRoomConflict, "room %q already has an offer", m.cfg.RoomID)
	default:
		return errors.Wrap(err, "post offer")
	}
}

// ObserveAnswer watches the room for the callee's answer. The first answer of
// this session is applied to the transport exactly once, after which the
// machine is Negotiated and onNegotiated runs. An answer that cannot be applied
// stops the watch and reaches onErr as signal.ErrAnswerRejected. Handlers run
// on the executor.
func (m *Machine) ObserveAnswer(ctx context.Context, onNegotiated func(), onErr func(error)) error {
	m.mx.Lock()
	if m.state != OfferPosted || m.cfg.Role != signal.RoleCaller {
		state := m.state
		m.mx.Unlock()

		return errors.Wrapf(signal.ErrInvalidState, "observe answer in %s", state)
	}
	m.mx.Unlock()

	cancel, err := m.store.SubscribeDocument(ctx, signal.RoomKey(m.cfg.RoomID), func(ev signal.DocumentEvent) {
		m.executor.Go(func() {
			m.onRoomChange(ev, onNegotiated, onErr)
		})
	})
	if err != nil {
		return errors.Wrap(err, "observe answer")
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	switch m.state {
	case OfferPosted:
		m.state = AnswerAwaited

		if m.remoteApplied {
			// The answer was already in the room and has been rejected.
			cancel()

			return nil
		}
	case Negotiated:
		// The answer was already in the room and has been applied.
		cancel()

		return nil
	default:
		cancel()

		return errors.Wrapf(signal.ErrInvalidState, "observe answer in %s", m.state)
	}

	m.cancelWatch = cancel

	return nil
}

func (m *Machine) onRoomChange(ev signal.DocumentEvent, onNegotiated func(), onErr func(error)) {
	if ev.Err != nil {
		onErr(errors.Wrap(ev.Err, "room subscription"))

		return
	}

	room, err := signal.RoomFromFields(m.cfg.RoomID, ev.Fields)
	if err != nil {
		onErr(errors.Wrap(err, "decode room"))

		return
	}

	if room.Answer == nil || room.Session != m.session {
		return
	}

	m.mx.Lock()
	if m.remoteApplied || (m.state != OfferPosted && m.state != AnswerAwaited) {
		m.mx.Unlock()

		return
	}
	m.remoteApplied = true
	m.mx.Unlock()

	if room.Answer.Type != signal.SDPTypeAnswer {
		m.stopWatch()
		onErr(errors.Wrapf(signal.ErrAnswerRejected, "room answer has type %q", room.Answer.Type))

		return
	}

	if err := m.transport.SetRemoteDescription(*room.Answer); err != nil {
		m.stopWatch()
		onErr(errors.Wrapf(signal.ErrAnswerRejected, "apply answer: %s", err))

		return
	}

	m.mx.Lock()
	if m.state == OfferPosted || m.state == AnswerAwaited {
		m.state = Negotiated
	}
	m.mx.Unlock()

	m.stopWatch()

	m.log.Debug("answer applied")

	onNegotiated()
}

func (m *Machine) stopWatch() {
	m.mx.Lock()
	cancel := m.cancelWatch
	m.cancelWatch = nil
	m.mx.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Join answers the offer found in the room. It fails with
// signal.ErrRoomNotFound if there is no offer to answer and with
// signal.ErrRoomConflict if the room already has a callee.
func (m *Machine) Join(ctx context.Context) error {
	if err := m.begin(signal.RoleCallee, Idle, Idle); err != nil {
		return err
	}
	defer m.release()

	key := signal.RoomKey(m.cfg.RoomID)

	fields, err := m.store.ReadDocument(ctx, key)
	if errors.Is(err, signal.ErrDocumentNotFound) {
		return errors.Wrapf(signal.ErrRoomNotFound, "room %q", m.cfg.RoomID)
	}
	if err != nil {
		return errors.Wrap(err, "read room")
	}

	room, err := signal.RoomFromFields(m.cfg.RoomID, fields)
	if err != nil {
		return errors.Wrap(err, "decode room")
	}

	if room.Offer == nil || len(room.Session) == 0 {
		return errors.Wrapf(signal.ErrRoomNotFound, "room %q has no offer", m.cfg.RoomID)
	}

	if room.Answer != nil {
		return errors.Wrapf(signal.ErrRoomConflict, "room %q is already answered", m.cfg.RoomID)
	}

	m.mx.Lock()
	m.session = room.Session
	m.remoteApplied = true
	m.mx.Unlock()

	if err := m.transport.SetRemoteDescription(*room.Offer); err != nil {
		return errors.Wrap(err, "apply offer")
	}

	answer, err := m.transport.CreateLocalAnswer(ctx)
	if err != nil {
		return errors.Wrap(err, "create answer")
	}

	if err := m.transport.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "set local answer")
	}

	value, err := signal.EncodeDescription(answer)
	if err != nil {
		return errors.Wrap(err, "encode answer")
	}

	err = m.store.UpdateFields(ctx, key, signal.Fields{
		signal.FieldAnswer: value,
	}, signal.Fields{
		signal.FieldAnswer:  "",
		signal.FieldSession: room.Session,
	})

	switch {
	case err == nil:
	case errors.Is(err, signal.ErrDocumentConflict), errors.Is(err, signal.ErrDocumentNotFound):
		return errors.Wrapf(signal.ErrRoomConflict, "room %q changed while answering", m.cfg.RoomID)
	default:
		return errors.Wrap(err, "post answer")
	}

	m.mx.Lock()
	m.wrote = true
	m.mx.Unlock()

	if err := m.advance(Idle, Negotiated); err != nil {
		return m.abandon(ctx, err)
	}

	m.log.Debug("answer posted")

	return nil
}

// End releases the transport and clears the negotiation fields this machine
// wrote, unless the room has meanwhile been taken over by another call. It is
// a no-op once the machine is Ended.
func (m *Machine) End(ctx context.Context) error {
	m.mx.Lock()
	if m.state == Ended {
		m.mx.Unlock()

		return nil
	}
	m.state = Ended
	cancel := m.cancelWatch
	m.cancelWatch = nil
	m.mx.Unlock()

	if cancel != nil {
		cancel()
	}

	var result error

	if err := m.transport.Close(); err != nil {
		result = errors.Wrap(err, "close transport")
	}

	if err := m.clearRoom(ctx); err != nil && result == nil {
		result = err
	}

	m.log.Debug("negotiation ended")

	return result
}

func (m *Machine) clearRoom(ctx context.Context) error {
	m.mx.Lock()
	wrote, session := m.wrote, m.session
	m.wrote = false
	m.mx.Unlock()

	if !wrote {
		return nil
	}

	err := m.store.UpdateFields(ctx, signal.RoomKey(m.cfg.RoomID), signal.Fields{
		signal.FieldOffer:   "",
		signal.FieldAnswer:  "",
		signal.FieldSession: "",
	}, signal.Fields{
		signal.FieldSession: session,
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, signal.ErrDocumentConflict), errors.Is(err, signal.ErrDocumentNotFound):
		m.log.Debug("room already cleared or reused, leaving it alone")

		return nil
	default:
		return errors.Wrap(err, "clear room")
	}
}

// begin checks the role and the current state, then moves to next and marks
// the machine busy so that a concurrent Start or Join is refused.
func (m *Machine) begin(role signal.Role, from, next State) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.cfg.Role != role {
		return errors.Wrapf(signal.ErrInvalidState, "%s cannot act as %s", m.cfg.Role, role)
	}

	if m.state != from || m.busy {
		return errors.Wrapf(signal.ErrInvalidState, "cannot start from %s", m.state)
	}

	m.state = next
	m.busy = true

	return nil
}

func (m *Machine) release() {
	m.mx.Lock()
	m.busy = false
	m.mx.Unlock()
}

func (m *Machine) advance(from, to State) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.busy = false

	if m.state != from {
		return errors.Wrapf(signal.ErrInvalidState, "expected %s, found %s", from, m.state)
	}

	m.state = to

	return nil
}

// abandon undoes the room write of an operation that was overtaken by End.
func (m *Machine) abandon(ctx context.Context, cause error) error {
	if err := m.clearRoom(ctx); err != nil {
		m.log.WithError(err).Warn("clear room after end")
	}

	return cause
}
