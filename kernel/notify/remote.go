package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"golang.org/x/net/netutil"

	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// RemoteConfig configures a websocket notification link between two
// processes, one per side of the link.
type RemoteConfig struct {
	Local sab.ProcessorID
	Peer  sab.ProcessorID
	Path  string

	// Per-event token bucket
	RatePerSecond int64
	Burst         int64

	// Consecutive send failures before the breaker opens, and how long it
	// stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	MaxConns         int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *utils.Logger
}

func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Path:             "/notify",
		RatePerSecond:    10000,
		Burst:            1000,
		BreakerFailures:  5,
		BreakerTimeout:   5 * time.Second,
		MaxConns:         4,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
}

type RemoteStats struct {
	Sent     atomic.Uint64
	Received atomic.Uint64
	Dropped  atomic.Uint64
	Limited  atomic.Uint64
}

// Remote is a Bridge whose peer runs in another process.
type Remote struct {
	cfg     RemoteConfig
	logger  *utils.Logger
	session uuid.UUID

	upgrader websocket.Upgrader
	breaker  *gobreaker.CircuitBreaker
	limiter  *limiter.TokenBucket

	mu          sync.RWMutex
	conn        *websocket.Conn
	peerSession uuid.UUID
	handlers    map[route]Callback
	server      *http.Server

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	stats RemoteStats
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("notify")
	}
	if cfg.Local == cfg.Peer {
		return nil, fmt.Errorf("%w: local and peer are both %s", ErrUnknownPeer, cfg.Local)
	}
	if cfg.Path == "" {
		cfg.Path = "/notify"
	}

	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.RatePerSecond,
			Duration: time.Second,
			Burst:    cfg.Burst,
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	r := &Remote{
		cfg:      cfg,
		session:  uuid.New(),
		limiter:  tb,
		handlers: make(map[route]Callback),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	r.logger = cfg.Logger.With(
		utils.String("local", cfg.Local.String()),
		utils.String("peer", cfg.Peer.String()),
		utils.String("session", r.session.String()))

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-" + cfg.Peer.String(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("notify breaker state change",
				utils.String("from", from.String()),
				utils.String("to", to.String()))
		},
	})
	return r, nil
}

func (r *Remote) Session() uuid.UUID {
	return r.session
}

// PeerSession is the session id announced by the peer's hello.
func (r *Remote) PeerSession() uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerSession
}

// Ready is closed once the peer's hello has arrived.
func (r *Remote) Ready() <-chan struct{} {
	return r.ready
}

func (r *Remote) Stats() *RemoteStats {
	return &r.stats
}

// Handler accepts the peer's websocket connection.
func (r *Remote) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn("websocket upgrade failed", utils.Err(err))
			return
		}
		if err := r.adopt(conn); err != nil {
			r.logger.Warn("rejected peer connection", utils.Err(err))
			_ = conn.Close()
		}
	})
}

// Listen serves Handler on addr with a cap on concurrent connections.
func (r *Remote) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln = netutil.LimitListener(ln, r.cfg.MaxConns)

	mux := http.NewServeMux()
	mux.Handle(r.cfg.Path, r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: r.cfg.HandshakeTimeout}

	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		_ = ln.Close()
		return nil, ErrClosed
	}
	r.server = srv
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("notify listener stopped", utils.Err(err))
		}
	}()
	r.logger.Info("notify link listening", utils.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Dial connects to a peer's Listen endpoint, e.g. ws://host:port/notify.
func (r *Remote) Dial(ctx context.Context, url string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: r.cfg.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if err := r.adopt(conn); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// isClosed must be called with r.mu held. Close marks the link closed
// under r.mu, so no goroutine joins r.wg after Close starts waiting.
func (r *Remote) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Remote) adopt(conn *websocket.Conn) error {
	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.conn
	r.conn = conn
	r.wg.Add(1)
	r.mu.Unlock()
	if old != nil {
		r.logger.Info("replacing peer connection")
		_ = old.Close()
	}

	go r.readLoop(conn)

	return r.write(conn, frame{
		Kind:    frameHello,
		Src:     r.cfg.Local,
		Dst:     r.cfg.Peer,
		Session: r.session,
	})
}

func (r *Remote) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()
	defer r.drop(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				r.logger.Warn("peer connection lost", utils.Err(err))
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			r.stats.Dropped.Add(1)
			r.logger.Debug("dropping malformed frame", utils.Err(err))
			continue
		}
		if f.Src != r.cfg.Peer || f.Dst != r.cfg.Local {
			r.stats.Dropped.Add(1)
			r.logger.Warn("frame for another link",
				utils.String("src", f.Src.String()),
				utils.String("dst", f.Dst.String()))
			continue
		}

		switch f.Kind {
		case frameHello:
			r.mu.Lock()
			r.peerSession = f.Session
			r.mu.Unlock()
			r.readyOnce.Do(func() { close(r.ready) })
			r.logger.Info("peer hello", utils.String("peer_session", f.Session.String()))
		case frameEvent:
			r.stats.Received.Add(1)
			r.mu.RLock()
			fn := r.handlers[route{src: f.Src, dst: f.Dst, event: f.Event}]
			r.mu.RUnlock()
			if fn == nil {
				r.stats.Dropped.Add(1)
				continue
			}
			fn(f.Src, f.Event, f.Payload)
		}
	}
}

func (r *Remote) drop(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	_ = conn.Close()
}

func (r *Remote) Register(peer sab.ProcessorID, event Event, fn Callback) error {
	if peer != r.cfg.Peer {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	key := route{src: peer, dst: r.cfg.Local, event: event}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("%w: %s event %d", ErrAlreadyRegistered, peer, event)
	}
	r.handlers[key] = fn
	return nil
}

func (r *Remote) Unregister(peer sab.ProcessorID, event Event) error {
	key := route{src: peer, dst: r.cfg.Local, event: event}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; !ok {
		return fmt.Errorf("%w: %s event %d", ErrNotRegistered, peer, event)
	}
	delete(r.handlers, key)
	return nil
}

// Notify sends event to the peer. Sends are rate limited per event and go
// through a circuit breaker, so a dead link fails fast.
func (r *Remote) Notify(peer sab.ProcessorID, event Event, payload uint32) error {
	if peer != r.cfg.Peer {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	if !r.limiter.Allow(strconv.FormatUint(uint64(event), 10)) {
		r.stats.Limited.Add(1)
		return fmt.Errorf("%w: event %d", ErrRateLimited, event)
	}

	_, err := r.breaker.Execute(func() (interface{}, error) {
		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn == nil {
			return nil, ErrNotConnected
		}
		return nil, r.write(conn, frame{
			Kind:    frameEvent,
			Src:     r.cfg.Local,
			Dst:     peer,
			Event:   event,
			Payload: payload,
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	if err != nil {
		return err
	}
	r.stats.Sent.Add(1)
	return nil
}

func (r *Remote) write(conn *websocket.Conn, f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close shuts the listener and the connection down.
func (r *Remote) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.closed)
		conn := r.conn
		srv := r.server
		r.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		if srv != nil {
			_ = srv.Close()
		}
	})
	r.wg.Wait()
	return nil
}
