package sealed

import (
	"context"
	"strings"
	"testing"
	"time"

	"p2pcall/pkg/crypto"
	"p2pcall/pkg/negotiation"
	"p2pcall/pkg/room"
	"p2pcall/pkg/signal"
	"p2pcall/pkg/signal/signaltest"
	"p2pcall/pkg/store/memory"

	"github.com/pkg/errors"
)

func newCipher(t *testing.T, passphrase string) *crypto.AesCbc {
	t.Helper()

	c, err := crypto.NewAesCbc(crypto.AesCbcConfig{Key: crypto.KeyFromPassphrase(passphrase)})
	if err != nil {
		t.Fatal(err)
	}

	return c
}

func TestFieldsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(memory.Config{})
	s := NewStore(Config{}, inner, newCipher(t, "pass"))

	if err := s.CreateDocument(ctx, "rooms/a", signal.Fields{
		signal.FieldOffer:   "v=0 offer",
		signal.FieldSession: "s1",
	}); err != nil {
		t.Fatal(err)
	}

	raw, err := inner.ReadDocument(ctx, "rooms/a")
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(raw[signal.FieldOffer], "offer") {
		t.Fatalf("offer stored in clear: %q", raw[signal.FieldOffer])
	}
	if raw[signal.FieldSession] != "s1" {
		t.Fatalf("session = %q, want it unsealed", raw[signal.FieldSession])
	}

	doc, err := s.ReadDocument(ctx, "rooms/a")
	if err != nil {
		t.Fatal(err)
	}
	if doc[signal.FieldOffer] != "v=0 offer" {
		t.Fatalf("offer = %q", doc[signal.FieldOffer])
	}

	// Empty still means missing.
	if err := s.UpdateFields(ctx, "rooms/a", signal.Fields{signal.FieldAnswer: "v=0 answer"}, signal.Fields{signal.FieldAnswer: ""}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateFields(ctx, "rooms/a", signal.Fields{signal.FieldAnswer: "again"}, signal.Fields{signal.FieldAnswer: ""}); !errors.Is(err, signal.ErrDocumentConflict) {
		t.Fatalf("got %v, want ErrDocumentConflict", err)
	}

	if err := s.UpdateFields(ctx, "rooms/a", signal.Fields{signal.FieldAnswer: ""}, signal.Fields{signal.FieldOffer: "v=0 offer"}); err == nil {
		t.Fatal("matched a sealed field by value")
	}
}

func TestStreamRecordsSealed(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(memory.Config{})
	s := NewStore(Config{}, inner, newCipher(t, "pass"))

	if err := s.AppendToStream(ctx, "stream", []byte("candidate")); err != nil {
		t.Fatal(err)
	}

	got := make(chan signal.StreamEvent, 1)

	cancel, err := inner.SubscribeStream(ctx, "stream", func(ev signal.StreamEvent) { got <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case ev := <-got:
		if strings.Contains(string(ev.Record.Data), "candidate") {
			t.Fatal("record stored in clear")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no record")
	}

	opened := make(chan signal.StreamEvent, 1)

	cancel2, err := s.SubscribeStream(ctx, "stream", func(ev signal.StreamEvent) { opened <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel2()

	select {
	case ev := <-opened:
		if ev.Err != nil || string(ev.Record.Data) != "candidate" {
			t.Fatalf("opened event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no record")
	}
}

func TestUnsealableRecordReported(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(memory.Config{})
	s := NewStore(Config{}, inner, newCipher(t, "pass"))

	if err := inner.AppendToStream(ctx, "stream", []byte("plain")); err != nil {
		t.Fatal(err)
	}

	got := make(chan signal.StreamEvent, 1)

	cancel, err := s.SubscribeStream(ctx, "stream", func(ev signal.StreamEvent) { got <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case ev := <-got:
		if !errors.Is(ev.Err, ErrUnsealable) {
			t.Fatalf("got %v, want ErrUnsealable", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestCallThroughSealedStore(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(memory.Config{})

	callerTransport := signaltest.NewTransport("caller", "c1")
	calleeTransport := signaltest.NewTransport("callee", "d1")

	caller := room.NewCoordinator(room.Config{}, NewStore(Config{}, inner, newCipher(t, "pass")),
		func() (signal.Transport, error) { return callerTransport, nil })
	callee := room.NewCoordinator(room.Config{}, NewStore(Config{}, inner, newCipher(t, "pass")),
		func() (signal.Transport, error) { return calleeTransport, nil })

	created, err := caller.CreateRoom(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	defer caller.EndCall(ctx, created)

	joined, err := callee.JoinRoom(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	defer callee.EndCall(ctx, joined)

	deadline := time.Now().Add(2 * time.Second)
	for created.State() != negotiation.Negotiated ||
		len(calleeTransport.AppliedCandidates()) != 1 ||
		len(callerTransport.AppliedCandidates()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("call not set up")
		}
		time.Sleep(time.Millisecond)
	}

	if got := calleeTransport.RemoteDescription(); got == nil || got.Payload != "offer-from-caller" {
		t.Fatalf("callee got offer %v", got)
	}
}
