// Package signaltest provides an in-memory signal.Transport for tests.
package signaltest

import (
	"context"
	"sync"

	"p2pcall/pkg/signal"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("transport closed")

var _ signal.Transport = (*Transport)(nil)

// Transport records everything the signaling layer does to it. Remote
// candidates are deduplicated and buffered until a remote description is set,
// as a real transport would.
type Transport struct {
	name string

	// LocalCandidates are reported through OnLocalCandidate, asynchronously,
	// once a local description is set.
	LocalCandidates []string

	mx          sync.Mutex
	local       *signal.SessionDescription
	remote      *signal.SessionDescription
	remoteSets  int
	seen        map[string]bool
	pending     []string
	applied     []string
	received    []string
	late        int
	closed      bool
	onCandidate func(string)
	onFailure   func(error)
	wg          sync.WaitGroup
}

func NewTransport(name string, localCandidates ...string) *Transport {
	return &Transport{
		name:            name,
		LocalCandidates: localCandidates,
		seen:            make(map[string]bool),
	}
}

func (t *Transport) CreateLocalOffer(ctx context.Context) (signal.SessionDescription, error) {
	return t.create(signal.SDPTypeOffer)
}

func (t *Transport) CreateLocalAnswer(ctx context.Context) (signal.SessionDescription, error) {
	t.mx.Lock()
	hasRemote := t.remote != nil
	t.mx.Unlock()

	if !hasRemote {
		return signal.SessionDescription{}, errors.New("answer requested before remote offer")
	}

	return t.create(signal.SDPTypeAnswer)
}

func (t *Transport) create(typ signal.SDPType) (signal.SessionDescription, error) {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.closed {
		return signal.SessionDescription{}, ErrClosed
	}

	return signal.SessionDescription{Type: typ, Payload: string(typ) + "-from-" + t.name}, nil
}

func (t *Transport) SetLocalDescription(desc signal.SessionDescription) error {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.closed {
		return ErrClosed
	}

	t.local = &desc

	if handler := t.onCandidate; handler != nil && len(t.LocalCandidates) != 0 {
		candidates := append([]string(nil), t.LocalCandidates...)

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()

			for _, c := range candidates {
				handler(c)
			}
		}()
	}

	return nil
}

func (t *Transport) SetRemoteDescription(desc signal.SessionDescription) error {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.closed {
		return ErrClosed
	}

	if t.remote != nil {
		return errors.New("remote description already set")
	}

	t.remote = &desc
	t.remoteSets++
	t.applied = append(t.applied, t.pending...)
	t.pending = nil

	return nil
}

func (t *Transport) OnLocalCandidate(handler func(string)) {
	t.mx.Lock()
	defer t.mx.Unlock()

	t.onCandidate = handler
}

func (t *Transport) AddRemoteCandidate(payload string) error {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.closed {
		t.late++

		return ErrClosed
	}

	t.received = append(t.received, payload)

	if t.seen[payload] {
		return nil
	}

	t.seen[payload] = true

	if t.remote == nil {
		t.pending = append(t.pending, payload)
	} else {
		t.applied = append(t.applied, payload)
	}

	return nil
}

func (t *Transport) OnFailure(handler func(error)) {
	t.mx.Lock()
	defer t.mx.Unlock()

	t.onFailure = handler
}

// Fail simulates a fatal connection state change.
func (t *Transport) Fail(err error) {
	t.mx.Lock()
	handler := t.onFailure
	t.mx.Unlock()

	if handler != nil {
		handler(err)
	}
}

func (t *Transport) Close() error {
	t.mx.Lock()
	t.closed = true
	t.mx.Unlock()

	t.wg.Wait()

	return nil
}

func (t *Transport) LocalDescription() *signal.SessionDescription {
	t.mx.Lock()
	defer t.mx.Unlock()

	return t.local
}

func (t *Transport) RemoteDescription() *signal.SessionDescription {
	t.mx.Lock()
	defer t.mx.Unlock()

	return t.remote
}

// RemoteSets counts successful SetRemoteDescription calls.
func (t *Transport) RemoteSets() int {
	t.mx.Lock()
	defer t.mx.Unlock()

	return t.remoteSets
}

// AppliedCandidates are the distinct remote candidates in the order they took
// effect, buffered ones first.
func (t *Transport) AppliedCandidates() []string {
	t.mx.Lock()
	defer t.mx.Unlock()

	return append([]string(nil), t.applied...)
}

// ReceivedCandidates is every AddRemoteCandidate payload, duplicates included.
func (t *Transport) ReceivedCandidates() []string {
	t.mx.Lock()
	defer t.mx.Unlock()

	return append([]string(nil), t.received...)
}

// LateCandidates counts candidates offered after Close.
func (t *Transport) LateCandidates() int {
	t.mx.Lock()
	defer t.mx.Unlock()

	return t.late
}

func (t *Transport) Closed() bool {
	t.mx.Lock()
	defer t.mx.Unlock()

	return t.closed
}
