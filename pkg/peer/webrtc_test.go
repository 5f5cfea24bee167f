package peer

import (
	"context"
	"encoding/json"
	"testing"

	"p2pcall/pkg/signal"

	"github.com/pion/webrtc/v3"
)

func TestDescriptionConversion(t *testing.T) {
	for _, typ := range []signal.SDPType{signal.SDPTypeOffer, signal.SDPTypeAnswer} {
		desc := signal.SessionDescription{Type: typ, Payload: "v=0"}

		if got := fromPion(toPion(desc)); got != desc {
			t.Errorf("round trip of %s gave %+v", typ, got)
		}
	}
}

func TestRemoteCandidatesBufferedUntilDescription(t *testing.T) {
	p, err := NewWebRTC(WebRTCConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	payload, err := json.Marshal(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host",
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := p.AddRemoteCandidate(string(payload)); err != nil {
			t.Fatalf("AddRemoteCandidate: %v", err)
		}
	}

	if len(p.pending) != 1 {
		t.Fatalf("%d candidates buffered, want 1", len(p.pending))
	}

	if err := p.AddRemoteCandidate("not json"); err == nil {
		t.Fatal("undecodable candidate accepted")
	}
}

func TestOfferCarriesDataChannel(t *testing.T) {
	p, err := NewWebRTC(WebRTCConfig{Label: "call"})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	offer, err := p.CreateLocalOffer(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if offer.Type != signal.SDPTypeOffer || offer.Payload == "" {
		t.Fatalf("offer = %+v", offer)
	}
}

func TestCloseIsNotAFailure(t *testing.T) {
	p, err := NewWebRTC(WebRTCConfig{})
	if err != nil {
		t.Fatal(err)
	}

	failed := make(chan error, 1)
	p.OnFailure(func(err error) { failed <- err })

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	<-p.Done()

	select {
	case err := <-failed:
		t.Fatalf("Close reported %v", err)
	default:
	}
}
