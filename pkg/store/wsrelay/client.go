package wsrelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"p2pcall/pkg/log"
	"p2pcall/pkg/signal"
	psync "p2pcall/pkg/sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var ErrClosed = errors.New("relay connection closed")

const closeTimeout = time.Second

var _ signal.Store = (*Client)(nil)

// Client is a signal.Store backed by a relay server. A lost connection fails
// every pending call and every subscription with an error matching
// signal.ErrStoreUnavailable, the client has to be dialed again.
type Client struct {
	ws      *websocket.Conn
	writeMx sync.Mutex

	mx      sync.Mutex
	pending map[string]chan message
	subs    map[string]*subscription
	err     error

	doneChan chan struct{}
}

func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, signal.Unavailable(errors.Wrap(err, "dial relay"))
	}

	c := &Client{
		ws:       ws,
		pending:  make(map[string]chan message),
		subs:     make(map[string]*subscription),
		doneChan: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

func (c *Client) Close() error {
	c.writeMx.Lock()
	err := c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMx.Unlock()

	if err == nil {
		select {
		case <-c.doneChan:
			return nil
		case <-time.After(closeTimeout):
		}
	}

	c.ws.Close()
	<-c.doneChan

	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.doneChan
}

func (c *Client) CreateDocument(ctx context.Context, key string, fields signal.Fields) error {
	_, err := c.call(ctx, request{Op: opCreate, Key: key, Fields: fields})

	return err
}

func (c *Client) ReadDocument(ctx context.Context, key string) (signal.Fields, error) {
	resp, err := c.call(ctx, request{Op: opRead, Key: key})
	if err != nil {
		return nil, err
	}

	if resp.Fields == nil {
		resp.Fields = signal.Fields{}
	}

	return resp.Fields, nil
}

func (c *Client) UpdateFields(ctx context.Context, key string, set, match signal.Fields) error {
	_, err := c.call(ctx, request{Op: opUpdate, Key: key, Fields: set, Match: match})

	return err
}

func (c *Client) AppendToStream(ctx context.Context, streamKey string, data []byte) error {
	_, err := c.call(ctx, request{Op: opAppend, Key: streamKey, Data: data})

	return err
}

func (c *Client) SubscribeStream(ctx context.Context, streamKey string, onAppend func(signal.StreamEvent)) (signal.CancelFunc, error) {
	return c.subscribe(ctx, request{Op: opSubscribeStream, Key: streamKey}, func(msg message) {
		switch {
		case msg.Error != nil:
			onAppend(signal.StreamEvent{Err: msg.Error.decode()})
		case msg.Record != nil:
			onAppend(signal.StreamEvent{Record: *msg.Record})
		}
	})
}

func (c *Client) SubscribeDocument(ctx context.Context, key string, onChange func(signal.DocumentEvent)) (signal.CancelFunc, error) {
	return c.subscribe(ctx, request{Op: opSubscribeDocument, Key: key}, func(msg message) {
		if msg.Error != nil {
			onChange(signal.DocumentEvent{Err: msg.Error.decode()})

			return
		}

		if msg.Fields == nil {
			msg.Fields = signal.Fields{}
		}

		onChange(signal.DocumentEvent{Fields: msg.Fields})
	})
}

// subscribe registers the handler before sending the request, events may
// overtake the response.
func (c *Client) subscribe(ctx context.Context, req request, handler func(message)) (signal.CancelFunc, error) {
	req.ID = uuid.NewString()

	sub := &subscription{
		handler:  handler,
		executor: psync.NewExecutor(),
	}

	c.mx.Lock()
	if c.err != nil {
		err := c.err
		c.mx.Unlock()

		return nil, err
	}
	c.subs[req.ID] = sub
	c.mx.Unlock()

	if _, err := c.call(ctx, req); err != nil {
		c.dropSubscription(req.ID)

		// The server may still register the subscription after we gave up.
		if ctx.Err() != nil {
			c.unsubscribe(req.ID)
		}

		return nil, err
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			c.dropSubscription(req.ID)
			c.unsubscribe(req.ID)
		})
	}, nil
}

func (c *Client) unsubscribe(id string) {
	if err := c.write(request{ID: uuid.NewString(), Op: opUnsubscribe, Key: id}); err != nil {
		log.Debugf("relay unsubscribe: %s", err)
	}
}

func (c *Client) dropSubscription(id string) {
	c.mx.Lock()
	sub := c.subs[id]
	delete(c.subs, id)
	c.mx.Unlock()

	if sub != nil {
		sub.cancel()
	}
}

func (c *Client) call(ctx context.Context, req request) (message, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	respChan := make(chan message, 1)

	c.mx.Lock()
	if c.err != nil {
		err := c.err
		c.mx.Unlock()

		return message{}, err
	}
	c.pending[req.ID] = respChan
	c.mx.Unlock()

	if err := c.write(req); err != nil {
		c.forget(req.ID)

		return message{}, signal.Unavailable(errors.Wrap(err, "send request"))
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return resp, resp.Error.decode()
		}

		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)

		return message{}, errors.WithStack(ctx.Err())
	}
}

func (c *Client) forget(id string) {
	c.mx.Lock()
	delete(c.pending, id)
	c.mx.Unlock()
}

func (c *Client) write(req request) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	return c.ws.WriteJSON(req)
}

func (c *Client) readLoop() {
	defer close(c.doneChan)

	for {
		msg := message{}

		if err := c.ws.ReadJSON(&msg); err != nil {
			c.fail(err)

			return
		}

		c.mx.Lock()
		switch msg.Kind {
		case kindResponse:
			if respChan, ok := c.pending[msg.ID]; ok {
				delete(c.pending, msg.ID)
				respChan <- msg
			}
		case kindEvent:
			if sub, ok := c.subs[msg.ID]; ok {
				sub.push(msg)
			}
		}
		c.mx.Unlock()
	}
}

// fail ends every pending call and every subscription with the connection
// error.
func (c *Client) fail(cause error) {
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		cause = ErrClosed
	}

	err := signal.Unavailable(errors.Wrap(cause, "relay connection"))
	wire := encodeError(err)

	c.mx.Lock()
	c.err = err
	pending, subs := c.pending, c.subs
	c.pending, c.subs = make(map[string]chan message), make(map[string]*subscription)
	c.mx.Unlock()

	for _, respChan := range pending {
		respChan <- message{Kind: kindResponse, Error: wire}
	}

	for _, sub := range subs {
		sub.push(message{Kind: kindEvent, Error: wire})
		sub.finish()
	}

	c.ws.Close()
}

type subscription struct {
	handler   func(message)
	executor  *psync.Executor
	cancelled atomic.Bool
}

func (s *subscription) push(msg message) {
	s.executor.Go(func() {
		if s.cancelled.Load() {
			return
		}

		s.handler(msg)
	})
}

func (s *subscription) cancel() {
	if s.cancelled.Swap(true) {
		return
	}

	go s.executor.Stop()
}

// finish delivers the queued events, then stops.
func (s *subscription) finish() {
	s.executor.Go(func() {
		s.cancelled.Store(true)

		go s.executor.Stop()
	})
}
