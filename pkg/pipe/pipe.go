// Pipe copies a local input to the peer and everything the peer sends to a
// local output, once the peer connection is established.
package pipe

import (
	"io"
	"sync"

	"p2pcall/pkg/log"

	"github.com/pkg/errors"
)

type Peer interface {
	io.ReadWriter
	Shutdown()

	OnEstablish(func())
}

type Pipe struct {
	cfg Config

	peer Peer

	mx   sync.Mutex
	sent int64
	recv int64
	err  error

	shutdownChan chan struct{}
}

type Config struct {
	In  io.Reader
	Out io.Writer
}

func NewPipe(cfg Config, peer Peer) *Pipe {
	p := &Pipe{
		cfg:          cfg,
		peer:         peer,
		shutdownChan: make(chan struct{}),
	}

	p.peer.OnEstablish(p.run)

	return p
}

// Done is closed once the peer has stopped sending.
func (p *Pipe) Done() <-chan struct{} {
	return p.shutdownChan
}

// Stats returns the byte counts so far and the error that ended receiving, if
// any.
func (p *Pipe) Stats() (sent, received int64, err error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	return p.sent, p.recv, p.err
}

func (p *Pipe) run() {
	log.Info("peer connection established, piping data")

	go p.send()
	go p.receive()
}

func (p *Pipe) send() {
	n, err := io.Copy(p.peer, p.cfg.In)

	p.mx.Lock()
	p.sent = n
	p.mx.Unlock()

	if err != nil {
		log.Errorf("send: %s", err)
	}

	log.Debugf("input finished after %d bytes", n)

	p.peer.Shutdown()
}

func (p *Pipe) receive() {
	defer close(p.shutdownChan)

	n, err := io.Copy(p.cfg.Out, p.peer)

	p.mx.Lock()
	p.recv = n
	if err != nil {
		p.err = errors.Wrap(err, "receive")
	}
	p.mx.Unlock()

	log.Debugf("peer finished after %d bytes", n)
}
