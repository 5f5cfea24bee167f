package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"p2pcall/pkg/log"
	"p2pcall/pkg/signal"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

var _ signal.Transport = (*WebRTC)(nil)

// WebRTC is a peer connection carrying one detached data channel. It is the
// transport of a call: the caller creates the channel with its offer, the
// callee receives it.
type WebRTC struct {
	conn        *webrtc.PeerConnection
	label       string
	dataChannel datachannel.ReadWriteCloser

	mx          sync.Mutex
	remoteSet   bool
	seen        map[string]bool
	pending     []webrtc.ICECandidateInit
	closing     bool
	onCandidate func(string)
	onFailure   func(error)

	establishHandler func()
	establishedChan  chan struct{}
	establishOnce    sync.Once
	shutdownChan     chan struct{}
	shutdownOnce     sync.Once
}

type WebRTCConfig struct {
	STUN  []string
	Label string
}

func NewWebRTC(cfg WebRTCConfig) (*WebRTC, error) {
	ice := make([]webrtc.ICEServer, len(cfg.STUN))

	for i, stun := range cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		}
	}

	settings := webrtc.SettingEngine{}

	settings.DetachDataChannels()
	settings.SetICETimeouts(15*time.Minute, 25*time.Second, 2*time.Second)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	label := cfg.Label
	if label == "" {
		label = "data"
	}

	p := &WebRTC{
		conn:             conn,
		label:            label,
		seen:             make(map[string]bool),
		onCandidate:      func(string) {},
		onFailure:        func(error) {},
		establishHandler: func() {},
		establishedChan:  make(chan struct{}),
		shutdownChan:     make(chan struct{}),
	}

	p.conn.OnICECandidate(p.onConnICECandidate)
	p.conn.OnConnectionStateChange(p.onConnStateChange)
	p.conn.OnDataChannel(p.registerDataChannel)

	return p, nil
}

func (p *WebRTC) CreateLocalOffer(ctx context.Context) (signal.SessionDescription, error) {
	dataChannel, err := p.conn.CreateDataChannel(p.label, nil)
	if err != nil {
		return signal.SessionDescription{}, errors.Wrap(err, "create data channel")
	}

	p.registerDataChannel(dataChannel)

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, errors.Wrap(err, "create offer")
	}

	return fromPion(offer), nil
}

func (p *WebRTC) CreateLocalAnswer(ctx context.Context) (signal.SessionDescription, error) {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, errors.Wrap(err, "create answer")
	}

	return fromPion(answer), nil
}

func (p *WebRTC) SetLocalDescription(desc signal.SessionDescription) error {
	return p.conn.SetLocalDescription(toPion(desc))
}

// SetRemoteDescription applies the remote description, then every candidate
// that arrived ahead of it.
func (p *WebRTC) SetRemoteDescription(desc signal.SessionDescription) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if err := p.conn.SetRemoteDescription(toPion(desc)); err != nil {
		return err
	}

	p.remoteSet = true

	pending := p.pending
	p.pending = nil

	for _, candidate := range pending {
		if err := p.conn.AddICECandidate(candidate); err != nil {
			return errors.Wrap(err, "add buffered candidate")
		}
	}

	return nil
}

func (p *WebRTC) OnLocalCandidate(h func(payload string)) {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.onCandidate = h
}

// AddRemoteCandidate takes a candidate as produced by OnLocalCandidate on the
// other side. Repeated candidates are ignored.
func (p *WebRTC) AddRemoteCandidate(payload string) error {
	candidate := webrtc.ICECandidateInit{}

	if err := json.Unmarshal([]byte(payload), &candidate); err != nil {
		return errors.Wrap(err, "decode candidate")
	}

	p.mx.Lock()
	defer p.mx.Unlock()

	if p.seen[candidate.Candidate] {
		return nil
	}

	p.seen[candidate.Candidate] = true

	if !p.remoteSet {
		p.pending = append(p.pending, candidate)

		return nil
	}

	return p.conn.AddICECandidate(candidate)
}

func (p *WebRTC) OnFailure(h func(error)) {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.onFailure = h
}

func (p *WebRTC) Close() error {
	p.mx.Lock()
	p.closing = true
	p.mx.Unlock()

	p.shutdown()

	return p.conn.Close()
}

// Established is closed once the data channel is open and detached.
func (p *WebRTC) Established() <-chan struct{} {
	return p.establishedChan
}

func (p *WebRTC) Done() <-chan struct{} {
	return p.shutdownChan
}

func (p *WebRTC) Read(payload []byte) (int, error) {
	return p.dataChannel.Read(payload)
}

func (p *WebRTC) Write(payload []byte) (int, error) {
	return p.dataChannel.Write(payload)
}

// Shutdown closes the data channel only, letting the other side see EOF.
func (p *WebRTC) Shutdown() {
	if p.dataChannel == nil {
		return
	}

	if err := p.dataChannel.Close(); err != nil {
		log.Error(err)
	}
}

func (p *WebRTC) OnEstablish(h func()) {
	p.establishHandler = h
}

func (p *WebRTC) onConnICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	payload, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		log.Error(err)

		return
	}

	p.mx.Lock()
	handler := p.onCandidate
	p.mx.Unlock()

	handler(string(payload))
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	log.Info("connection state changed: ", state)

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
	case webrtc.PeerConnectionStateDisconnected:
		log.Warnf("peer disconnected, waiting for ice to recover")

		return
	default:
		return
	}

	p.shutdown()

	p.mx.Lock()
	closing, handler := p.closing, p.onFailure
	p.mx.Unlock()

	if !closing {
		handler(errors.Errorf("peer connection %s", state))
	}
}

func (p *WebRTC) shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownChan)
	})
}

func (p *WebRTC) registerDataChannel(channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		dataChannel, err := channel.Detach()
		if err != nil {
			log.Error(err)

			return
		}

		p.establishOnce.Do(func() {
			p.dataChannel = dataChannel
			close(p.establishedChan)

			p.establishHandler()
		})
	})
}

func toPion(desc signal.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.Payload,
	}
}

func fromPion(desc webrtc.SessionDescription) signal.SessionDescription {
	return signal.SessionDescription{
		Type:    signal.SDPType(desc.Type.String()),
		Payload: desc.SDP,
	}
}
