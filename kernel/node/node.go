// Package node assembles one side of a set of processor links from a
// config.Config: it maps each link region, brings up the pools, the lock
// directory and the notification transport on it, and runs a ring
// service over all of them.
package node

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/dsplink/kernel/config"
	"github.com/nmxmxh/dsplink/kernel/journal"
	"github.com/nmxmxh/dsplink/kernel/mpcs"
	"github.com/nmxmxh/dsplink/kernel/notify"
	"github.com/nmxmxh/dsplink/kernel/pool"
	"github.com/nmxmxh/dsplink/kernel/ringio"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// State is the lifecycle state of a node.
type State int32

const (
	StateUninitialized State = iota
	StateBooting
	StateWaitingForRegion
	StateRunning
	StateStopping
	StateStopped
	StatePanic
)

var stateNames = map[State]string{
	StateUninitialized:    "UNINITIALIZED",
	StateBooting:          "BOOTING",
	StateWaitingForRegion: "WAITING_FOR_REGION",
	StateRunning:          "RUNNING",
	StateStopping:         "STOPPING",
	StateStopped:          "STOPPED",
	StatePanic:            "PANIC",
}

func (s State) String() string {
	return stateNames[s]
}

var (
	ErrState   = errors.New("invalid node state")
	ErrNoLink  = errors.New("no such link")
	attachPoll = 50 * time.Millisecond
)

type Option func(*Node)

// WithMemory maps the link to peer onto mem instead of the configured
// file. The caller keeps ownership of mem.
func WithMemory(peer sab.ProcessorID, mem sab.MemoryProvider) Option {
	return func(n *Node) { n.memory[peer] = mem }
}

// WithBridge carries notifications for the link to peer over b instead of
// a websocket link.
func WithBridge(peer sab.ProcessorID, b notify.Bridge) Option {
	return func(n *Node) { n.bridges[peer] = b }
}

// WithRegisterer exports ring metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(n *Node) { n.registerer = reg }
}

func WithLogger(l *utils.Logger) Option {
	return func(n *Node) { n.logger = l }
}

type link struct {
	cfg    config.LinkConfig
	peer   sab.ProcessorID
	mem    sab.MemoryProvider
	layout *sab.Layout
	pools  *pool.SharedPool
	locks  *mpcs.Directory
	remote *notify.Remote
}

// Node is the root object of one processor's view of its links.
type Node struct {
	cfg     config.Config
	local   sab.ProcessorID
	logger  *utils.Logger
	session uuid.UUID
	state   atomic.Int32

	memory     map[sab.ProcessorID]sab.MemoryProvider
	bridges    map[sab.ProcessorID]notify.Bridge
	registerer prometheus.Registerer

	mu        sync.Mutex
	links     []*link
	service   *ringio.Service
	journal   *journal.Journal
	shutdown  *utils.GracefulShutdown
	startTime time.Time
}

func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:     cfg,
		local:   sab.ProcessorID(cfg.Node.Proc),
		session: uuid.New(),
		memory:  make(map[sab.ProcessorID]sab.MemoryProvider),
		bridges: make(map[sab.ProcessorID]notify.Bridge),
	}
	for _, o := range opts {
		o(n)
	}
	if n.logger == nil {
		n.logger = utils.NewLogger(utils.LoggerConfig{
			Level:      cfg.LogLevel(),
			Component:  "node",
			Colorize:   true,
			TimeFormat: "15:04:05.000",
		})
	}
	n.logger = n.logger.With(
		utils.String("proc", n.local.String()),
		utils.String("session", n.session.String()))
	n.shutdown = utils.NewGracefulShutdown(cfg.Node.ShutdownTimeout, n.logger)
	n.setState(StateUninitialized)
	return n, nil
}

// Boot maps every link and starts the ring service. A link this node does
// not format is waited for until its peer has formatted it or ctx ends.
func (n *Node) Boot(ctx context.Context) (err error) {
	if !n.transitionState(StateUninitialized, StateBooting) {
		return fmt.Errorf("%w: boot from %s", ErrState, n.StateName())
	}
	defer n.recoverPanic(&err)
	defer func() {
		if err != nil {
			n.logger.Error("boot failed", utils.Err(err))
			if sdErr := n.shutdown.Shutdown(context.Background()); sdErr != nil {
				n.logger.Warn("teardown after failed boot", utils.Err(sdErr))
			}
			n.setState(StateStopped)
		}
	}()
	n.startTime = time.Now()

	n.logger.Info("node boot sequence",
		utils.Int("links", len(n.cfg.Links)),
		utils.Uint32("region_size", n.cfg.Region.Size))

	layout, err := sab.ComputeLayout(n.cfg.LayoutSpec())
	if err != nil {
		return err
	}

	rc := n.cfg.RingConfig(n.logger.Named("ringio"))
	if n.registerer != nil {
		if rc.Metrics, err = ringio.NewMetrics(n.registerer); err != nil {
			return err
		}
	}
	if n.cfg.Journal.Enabled {
		j, err := journal.Open(journal.Config{Path: n.cfg.Journal.Path, Logger: n.logger.Named("journal")})
		if err != nil {
			return err
		}
		n.journal = j
		n.shutdown.Register("journal", j.Close)
		rc.Observer = j.Observe
	}

	var rlinks []*ringio.Link
	for _, lc := range n.cfg.Links {
		l, bridge, err := n.openLink(ctx, lc, layout)
		if err != nil {
			return fmt.Errorf("link to %s: %w", sab.ProcessorID(lc.Peer), err)
		}
		n.mu.Lock()
		n.links = append(n.links, l)
		n.mu.Unlock()
		rlinks = append(rlinks, &ringio.Link{
			Peer:   l.peer,
			Layout: l.layout,
			Pools:  l.pools,
			Locks:  l.locks,
			Bridge: bridge,
		})
	}

	svc, err := ringio.NewService(rlinks, rc)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.service = svc
	n.mu.Unlock()
	n.shutdown.Register("ringio", svc.Close)

	for _, l := range n.links {
		if !l.cfg.Format {
			continue
		}
		if err := svc.Initialize(ctx, l.peer); err != nil {
			return fmt.Errorf("initialize registry with %s: %w", l.peer, err)
		}
	}

	n.setState(StateRunning)
	n.logger.Info("node running", utils.Duration("boot", time.Since(n.startTime)))
	return nil
}

func (n *Node) openLink(ctx context.Context, lc config.LinkConfig, layout *sab.Layout) (*link, notify.Bridge, error) {
	l := &link{cfg: lc, peer: sab.ProcessorID(lc.Peer), layout: layout}
	logger := n.logger.With(utils.String("peer", l.peer.String()))

	if mem, ok := n.memory[l.peer]; ok {
		l.mem = mem
	} else {
		shm, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{
			Path:   lc.Path,
			Size:   n.cfg.Region.Size,
			Create: lc.Format,
		})
		if err != nil {
			return nil, nil, err
		}
		l.mem = shm
		n.shutdown.Register("region "+l.peer.String(), shm.Close)
	}

	if lc.Format {
		if err := layout.Format(l.mem, n.local); err != nil {
			return nil, nil, err
		}
		logger.Info("link region formatted", utils.String("path", lc.Path))
	} else if err := n.waitFormatted(ctx, l, logger); err != nil {
		return nil, nil, err
	}

	region, err := sab.NewRegion(n.cfg.MemInfo(), l.mem)
	if err != nil {
		return nil, nil, err
	}
	if l.pools, err = pool.New(region, layout, n.cfg.PoolConfig(logger.Named("pool"))); err != nil {
		return nil, nil, err
	}
	if l.locks, err = mpcs.NewDirectory(l.pools, layout, n.cfg.Mpcs.MaxEntries, n.cfg.MpcsConfig(logger.Named("mpcs"))); err != nil {
		return nil, nil, err
	}
	if lc.Format {
		if err := l.locks.Initialize(); err != nil {
			return nil, nil, err
		}
	}

	bridge, err := n.bridgeFor(ctx, l, logger)
	if err != nil {
		return nil, nil, err
	}
	return l, bridge, nil
}

// waitFormatted polls the link header until the peer has formatted it.
func (n *Node) waitFormatted(ctx context.Context, l *link, logger *utils.Logger) error {
	n.setState(StateWaitingForRegion)
	defer n.transitionState(StateWaitingForRegion, StateBooting)

	ticker := time.NewTicker(attachPoll)
	defer ticker.Stop()
	for {
		info, err := l.layout.Attach(l.mem)
		if err == nil {
			logger.Info("attached to link region", utils.String("owner", info.Owner.String()))
			return nil
		}
		if !errors.Is(err, sab.ErrNotInitialized) {
			return err
		}
		select {
		case <-ctx.Done():
			return utils.WrapError(ctx.Err(), "waiting for peer to format region")
		case <-ticker.C:
		}
	}
}

func (n *Node) bridgeFor(ctx context.Context, l *link, logger *utils.Logger) (notify.Bridge, error) {
	if b, ok := n.bridges[l.peer]; ok {
		return b, nil
	}
	if l.cfg.Listen == "" && l.cfg.Dial == "" {
		logger.Warn("link has no notification transport; peer notifications disabled")
		return nil, nil
	}
	remote, err := notify.NewRemote(n.cfg.RemoteConfig(l.cfg, logger.Named("notify")))
	if err != nil {
		return nil, err
	}
	l.remote = remote
	n.shutdown.Register("notify "+l.peer.String(), remote.Close)
	if l.cfg.Listen != "" {
		if _, err := remote.Listen(l.cfg.Listen); err != nil {
			return nil, err
		}
		return remote, nil
	}
	if err := remote.Dial(ctx, l.cfg.Dial); err != nil {
		return nil, err
	}
	return remote, nil
}

// Shutdown closes the service and then everything it was layered on.
func (n *Node) Shutdown(ctx context.Context) error {
	switch n.State() {
	case StateStopping, StateStopped:
		return nil
	}
	n.setState(StateStopping)
	n.logger.Info("node shutting down")
	err := n.shutdown.Shutdown(ctx)
	n.setState(StateStopped)
	n.logger.Info("node stopped")
	return err
}

func (n *Node) Service() *ringio.Service {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.service
}

// Journal is nil unless the journal is enabled.
func (n *Node) Journal() *journal.Journal {
	return n.journal
}

func (n *Node) Local() sab.ProcessorID {
	return n.local
}

func (n *Node) Session() uuid.UUID {
	return n.session
}

// Remote returns the websocket link to peer, if one was configured.
func (n *Node) Remote(peer sab.ProcessorID) (*notify.Remote, error) {
	l, err := n.link(peer)
	if err != nil {
		return nil, err
	}
	if l.remote == nil {
		return nil, fmt.Errorf("%w: %s has no websocket link", ErrNoLink, peer)
	}
	return l.remote, nil
}

// Snapshot copies the region shared with peer.
func (n *Node) Snapshot(peer sab.ProcessorID) (*sab.Snapshot, error) {
	l, err := n.link(peer)
	if err != nil {
		return nil, err
	}
	return sab.TakeSnapshot(l.mem, l.layout)
}

// PoolStats reports allocator usage of the region shared with peer.
func (n *Node) PoolStats(peer sab.ProcessorID) ([]pool.Stats, error) {
	l, err := n.link(peer)
	if err != nil {
		return nil, err
	}
	return l.pools.Stats(), nil
}

func (n *Node) link(peer sab.ProcessorID) (*link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.links {
		if l.peer == peer {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoLink, peer)
}

func (n *Node) Uptime() time.Duration {
	if n.startTime.IsZero() {
		return 0
	}
	return time.Since(n.startTime)
}

func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) StateName() string {
	return n.State().String()
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
}

func (n *Node) transitionState(from, to State) bool {
	return n.state.CompareAndSwap(int32(from), int32(to))
}

func (n *Node) recoverPanic(err *error) {
	if r := recover(); r != nil {
		n.setState(StatePanic)
		n.logger.Error("NODE PANIC",
			utils.Any("reason", r),
			utils.String("stack", string(debug.Stack())))
		*err = fmt.Errorf("node panic: %v", r)
	}
}
