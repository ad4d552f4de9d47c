package notify

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// HubConfig configures in-process delivery.
type HubConfig struct {
	// Async delivers through a dispatch goroutine instead of on the
	// notifying goroutine.
	Async      bool
	QueueDepth int
	Logger     *utils.Logger
}

func DefaultHubConfig() HubConfig {
	return HubConfig{Async: false, QueueDepth: 256}
}

type delivery struct {
	fn      Callback
	src     sab.ProcessorID
	event   Event
	payload uint32
}

// Hub connects the endpoints of processors that live in one process.
type Hub struct {
	cfg    HubConfig
	logger *utils.Logger

	mu       sync.RWMutex
	handlers map[route]Callback
	closed   bool

	queue chan delivery
	wg    sync.WaitGroup
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("notify")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	h := &Hub{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[route]Callback),
	}
	if cfg.Async {
		h.queue = make(chan delivery, cfg.QueueDepth)
		h.wg.Add(1)
		go h.dispatch()
	}
	return h
}

// Endpoint returns the Bridge seen by processor local.
func (h *Hub) Endpoint(local sab.ProcessorID) *Endpoint {
	return &Endpoint{hub: h, local: local}
}

// Close stops delivery. Queued events are drained first.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	if h.queue != nil {
		close(h.queue)
		h.wg.Wait()
	}
	return nil
}

func (h *Hub) dispatch() {
	defer h.wg.Done()
	for d := range h.queue {
		d.fn(d.src, d.event, d.payload)
	}
}

func (h *Hub) register(r route, fn Callback) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback", ErrNotRegistered)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if _, ok := h.handlers[r]; ok {
		return fmt.Errorf("%w: %s event %d", ErrAlreadyRegistered, r.src, r.event)
	}
	h.handlers[r] = fn
	return nil
}

func (h *Hub) unregister(r route) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[r]; !ok {
		return fmt.Errorf("%w: %s event %d", ErrNotRegistered, r.src, r.event)
	}
	delete(h.handlers, r)
	return nil
}

func (h *Hub) notify(r route, payload uint32) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	fn, ok := h.handlers[r]
	if !ok {
		h.mu.RUnlock()
		return fmt.Errorf("%w: %s event %d", ErrNoListener, r.dst, r.event)
	}
	if h.queue != nil {
		// send while holding the read lock so Close cannot close the
		// queue underneath us
		h.queue <- delivery{fn: fn, src: r.src, event: r.event, payload: payload}
		h.mu.RUnlock()
		return nil
	}
	h.mu.RUnlock()
	fn(r.src, r.event, payload)
	return nil
}

// Endpoint is one processor's view of a Hub.
type Endpoint struct {
	hub   *Hub
	local sab.ProcessorID
}

func (e *Endpoint) Local() sab.ProcessorID {
	return e.local
}

func (e *Endpoint) Register(peer sab.ProcessorID, event Event, fn Callback) error {
	return e.hub.register(route{src: peer, dst: e.local, event: event}, fn)
}

func (e *Endpoint) Unregister(peer sab.ProcessorID, event Event) error {
	return e.hub.unregister(route{src: peer, dst: e.local, event: event})
}

func (e *Endpoint) Notify(peer sab.ProcessorID, event Event, payload uint32) error {
	return e.hub.notify(route{src: e.local, dst: peer, event: event}, payload)
}
