package internal

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"p2pcall/pkg/crypto"
	"p2pcall/pkg/log"
	"p2pcall/pkg/peer"
	"p2pcall/pkg/pipe"
	"p2pcall/pkg/room"
	"p2pcall/pkg/signal"
	"p2pcall/pkg/store/memory"
	"p2pcall/pkg/store/mongostore"
	"p2pcall/pkg/store/sealed"
	"p2pcall/pkg/store/wsrelay"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const connectTimeout = 10 * time.Second

type App struct {
	roomID      string
	join        bool
	relayURL    string
	mongoURI    string
	mongoDB     string
	serveAddr   string
	stunServers []string
	passphrase  string
	timeout     time.Duration
	logLevel    string

	backend     signal.Store
	store       signal.Store
	closeStore  func()
	relayServer *wsrelay.Server
	coordinator *room.Coordinator
	peer        *peer.WebRTC
	pipe        *pipe.Pipe

	events chan room.Event
}

func NewApp() *App {
	return &App{
		events:     make(chan room.Event, 16),
		closeStore: func() {},
	}
}

func (a *App) Setup() error {
	a.parseCmdline()

	if err := log.SetupLogger(a.logLevel); err != nil {
		return err
	}

	if a.join && a.roomID == "" {
		return errors.New("--join needs --room")
	}

	if err := a.setupStore(); err != nil {
		return err
	}

	if len(a.serveAddr) != 0 {
		a.relayServer = wsrelay.NewServer(wsrelay.ServerConfig{}, a.backend)
	}

	if a.serveOnly() {
		return nil
	}

	if a.roomID == "" {
		a.roomID = uuid.NewString()
	}

	a.coordinator = room.NewCoordinator(room.Config{
		OnEvent: a.onEvent,
	}, a.store, a.newTransport)

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	defer a.closeStore()

	a.listenOS(cancel)

	if a.relayServer != nil {
		addr, err := a.relayServer.Start(a.serveAddr)
		if err != nil {
			return err
		}
		defer a.relayServer.Close()

		log.Infof("Relay listening on ws://%s/ws", addr)
	}

	if a.serveOnly() {
		<-ctx.Done()

		return nil
	}

	return a.runCall(ctx)
}

func (a *App) parseCmdline() {
	// Room options.
	pflag.StringVarP(&a.roomID, "room", "r", "", "Room ID shared by both participants; a new one is generated when creating a room without it")
	pflag.BoolVarP(&a.join, "join", "j", false, "Join the room as the callee instead of creating it")
	pflag.DurationVarP(&a.timeout, "timeout", "t", 0, "Give up if the peer connection is not established in time (0 waits forever)")

	// Signaling store options.
	pflag.StringVarP(&a.relayURL, "relay", "R", "", "Use the relay at this websocket URL as the signaling store (e.g. ws://host:8080/ws)")
	pflag.StringVarP(&a.mongoURI, "mongo", "m", "", "Use MongoDB at this URI as the signaling store; change streams need a replica set")
	pflag.StringVar(&a.mongoDB, "mongo-db", "p2pcall", "MongoDB database name")
	pflag.StringVarP(&a.serveAddr, "serve", "s", "", "Serve the signaling store as a relay on this address (e.g. :8080)")
	pflag.StringVarP(&a.passphrase, "passphrase", "p", "", "Encrypt descriptions and candidates in the store with a key derived from this passphrase")

	// Common options.
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")
	pflag.StringVarP(&a.logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")

	pflag.Parse()
}

func (a *App) serveOnly() bool {
	return a.relayServer != nil && a.roomID == "" && !a.join
}

// setupStore picks the signaling store: a relay, MongoDB, or one kept in this
// process, which only makes sense together with --serve.
func (a *App) setupStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	switch {
	case len(a.relayURL) != 0:
		client, err := wsrelay.Dial(ctx, a.relayURL)
		if err != nil {
			return errors.Wrap(err, "relay")
		}

		a.backend = client
		a.closeStore = func() {
			if err := client.Close(); err != nil {
				log.Error(err)
			}
		}
	case len(a.mongoURI) != 0:
		store, err := mongostore.Connect(ctx, mongostore.Config{
			URI:      a.mongoURI,
			Database: a.mongoDB,
		})
		if err != nil {
			return errors.Wrap(err, "mongo")
		}

		a.backend = store
		a.closeStore = func() {
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()

			if err := store.Close(ctx); err != nil {
				log.Error(err)
			}
		}
	default:
		if len(a.serveAddr) == 0 {
			log.Warnf("no --relay, --mongo or --serve given, the room is only visible to this process")
		}

		a.backend = memory.NewStore(memory.Config{})
	}

	a.store = a.backend

	if len(a.passphrase) != 0 {
		cipher, err := crypto.NewAesCbc(crypto.AesCbcConfig{
			Key: crypto.KeyFromPassphrase(a.passphrase),
		})
		if err != nil {
			return errors.Wrap(err, "store crypto")
		}

		a.store = sealed.NewStore(sealed.Config{}, a.backend, cipher)
	}

	return nil
}

func (a *App) newTransport() (signal.Transport, error) {
	p, err := peer.NewWebRTC(peer.WebRTCConfig{
		STUN: a.stunServers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "peer connection")
	}

	// The pipe hooks the data channel before any negotiation starts.
	a.peer = p
	a.pipe = pipe.NewPipe(pipe.Config{
		In:  os.Stdin,
		Out: os.Stdout,
	}, p)

	return p, nil
}

// onEvent runs on the call's executor or on the goroutine ending the call,
// and must not block.
func (a *App) onEvent(ev room.Event) {
	select {
	case a.events <- ev:
	default:
		log.Warnf("dropped %s event", ev.Kind)
	}
}

func (a *App) runCall(ctx context.Context) error {
	var (
		session *room.CallSession
		err     error
	)

	if a.join {
		log.Infof("Joining room %s", a.roomID)

		session, err = a.coordinator.JoinRoom(ctx, a.roomID)
	} else {
		log.Infof("Creating room %s, join it with --join --room %s", a.roomID, a.roomID)

		session, err = a.coordinator.CreateRoom(ctx, a.roomID)
	}
	if err != nil {
		return errors.Wrap(err, "room")
	}

	defer func() {
		if err := a.coordinator.EndCall(context.Background(), session); err != nil {
			log.Error(err)
		}

		log.Info("Call ended")
	}()

	var timeout <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()

		timeout = timer.C
	}

	established := a.peer.Established()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			switch ev.Kind {
			case room.EventNegotiated:
				log.Info("Negotiated, connecting...")
			case room.EventError:
				log.Error(ev.Err)
			case room.EventEnded:
				return ev.Err
			}
		case <-established:
			log.Info("Connected")

			established, timeout = nil, nil
		case <-timeout:
			return errors.Errorf("peer not connected within %s", a.timeout)
		case <-a.pipe.Done():
			_, _, err := a.pipe.Stats()

			return err
		case <-session.Done():
			return session.Err()
		}
	}
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
