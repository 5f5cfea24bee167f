package wsrelay

import (
	"context"
	"net"
	"net/http"
	"sync"

	"p2pcall/pkg/log"
	"p2pcall/pkg/signal"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Server serves a store to relay clients. Subscriptions belong to the
// connection that made them and are cancelled when it goes away.
type Server struct {
	store    signal.Store
	upgrader websocket.Upgrader

	listener net.Listener
}

type ServerConfig struct {
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

func NewServer(cfg ServerConfig, store signal.Store) *Server {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Server{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// Start listens on addr and serves the relay on /ws. It returns the bound
// address, which matters when addr has port 0.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrap(err, "listen relay")
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error(err)
		}
	}()

	return listener.Addr().String(), nil
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}

	return s.listener.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("relay upgrade: %s", err)

		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &serverConn{
		store:  s.store,
		ws:     ws,
		ctx:    ctx,
		subs:    make(map[string]signal.CancelFunc),
		dropped: make(map[string]bool),
		active:  true,
	}

	log.Debugf("relay client %s connected", r.RemoteAddr)

	c.serve()

	cancel()
	c.close()

	log.Debugf("relay client %s disconnected", r.RemoteAddr)
}

type serverConn struct {
	store signal.Store
	ws    *websocket.Conn
	ctx   context.Context

	writeMx sync.Mutex

	mx   sync.Mutex
	subs map[string]signal.CancelFunc
	// Unsubscribed before the subscription was registered.
	dropped map[string]bool
	active  bool
}

func (c *serverConn) serve() {
	for {
		req := request{}

		if err := c.ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("relay read: %s", err)
			}

			return
		}

		go c.handle(req)
	}
}

func (c *serverConn) handle(req request) {
	resp := message{Kind: kindResponse, ID: req.ID}

	switch req.Op {
	case opCreate:
		resp.Error = encodeError(c.store.CreateDocument(c.ctx, req.Key, req.Fields))
	case opRead:
		fields, err := c.store.ReadDocument(c.ctx, req.Key)
		resp.Fields, resp.Error = fields, encodeError(err)
	case opUpdate:
		resp.Error = encodeError(c.store.UpdateFields(c.ctx, req.Key, req.Fields, req.Match))
	case opAppend:
		resp.Error = encodeError(c.store.AppendToStream(c.ctx, req.Key, req.Data))
	case opSubscribeStream:
		cancel, err := c.store.SubscribeStream(c.ctx, req.Key, func(ev signal.StreamEvent) {
			msg := message{Kind: kindEvent, ID: req.ID, Error: encodeError(ev.Err)}
			if ev.Err == nil {
				record := ev.Record
				msg.Record = &record
			}

			c.write(msg)
		})
		resp.Error = c.track(req.ID, cancel, err)
	case opSubscribeDocument:
		cancel, err := c.store.SubscribeDocument(c.ctx, req.Key, func(ev signal.DocumentEvent) {
			c.write(message{Kind: kindEvent, ID: req.ID, Fields: ev.Fields, Error: encodeError(ev.Err)})
		})
		resp.Error = c.track(req.ID, cancel, err)
	case opUnsubscribe:
		c.untrack(req.Key)
	default:
		resp.Error = &wireError{Code: codeInvalid, Message: "unknown op " + string(req.Op)}
	}

	c.write(resp)
}

func (c *serverConn) track(id string, cancel signal.CancelFunc, err error) *wireError {
	if err != nil {
		return encodeError(err)
	}

	c.mx.Lock()
	defer c.mx.Unlock()

	if !c.active {
		cancel()

		return encodeError(signal.Unavailable(errors.New("connection closed")))
	}

	if c.dropped[id] {
		delete(c.dropped, id)
		cancel()

		return encodeError(errors.Wrap(context.Canceled, "unsubscribed"))
	}

	c.subs[id] = cancel

	return nil
}

func (c *serverConn) untrack(id string) {
	c.mx.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	if !ok && c.active {
		c.dropped[id] = true
	}
	c.mx.Unlock()

	if ok {
		cancel()
	}
}

func (c *serverConn) write(msg message) {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	if err := c.ws.WriteJSON(msg); err != nil {
		log.Debugf("relay write: %s", err)
	}
}

func (c *serverConn) close() {
	c.mx.Lock()
	subs := c.subs
	c.subs, c.dropped = nil, nil
	c.active = false
	c.mx.Unlock()

	for _, cancel := range subs {
		cancel()
	}

	if err := c.ws.Close(); err != nil {
		log.Debugf("relay close: %s", err)
	}
}
