package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshbridge/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Status is a point-in-time view of the bridge for the admin surface.
type Status struct {
	Mode             FramingMode `json:"mode"`
	Device           string      `json:"device"`
	Link             string      `json:"link"`
	ConnectAttempts  int         `json:"connect_attempts"`
	Listen           string      `json:"listen"`
	Uptime           string      `json:"uptime"`
	Clients          int         `json:"clients"`
	FramesFromDevice uint64      `json:"frames_from_device"`
	FramesToDevice   uint64      `json:"frames_to_device"`
	BytesFromDevice  uint64      `json:"bytes_from_device"`
	BytesToDevice    uint64      `json:"bytes_to_device"`
	DroppedToDevice  uint64      `json:"dropped_to_device"`
	ResyncDiscarded  uint64      `json:"resync_discarded"`
}

// Bridge fans device traffic out to clients and forwards client traffic to
// the device.
type Bridge struct {
	cfg      Config
	link     *Link
	registry *Registry
	log      zerolog.Logger
	started  time.Time

	// upstream and wire are only touched on the link's Run goroutine.
	upstream *frame.Decoder
	wire     []byte

	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Addr

	framesDown atomic.Uint64
	framesUp   atomic.Uint64
	bytesDown  atomic.Uint64
	bytesUp    atomic.Uint64
	dropped    atomic.Uint64
	resync     atomic.Uint64
}

func New(cfg Config, dialer Dialer) (*Bridge, error) {
	if dialer == nil {
		return nil, ErrNilDialer
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:      cfg,
		link:     NewLink(dialer, cfg.Reconnect, cfg.ReadBufferSize),
		registry: NewRegistry(cfg.Client),
		log:      log.With().Str("component", "bridge").Str("mode", string(cfg.Mode)).Logger(),
		started:  time.Now(),
	}
	if cfg.Mode == ModeFramed {
		b.upstream = frame.NewDecoder()
	}
	b.link.OnStateChange(b.onLinkState)
	return b, nil
}

func (b *Bridge) Link() *Link {
	return b.link
}

func (b *Bridge) Registry() *Registry {
	return b.registry
}

func (b *Bridge) Config() Config {
	return b.cfg
}

// Ready reports whether client traffic can currently reach the device.
func (b *Bridge) Ready() bool {
	return b.link.Usable()
}

// Clients lists connected clients ordered by connection time.
func (b *Bridge) Clients() []ClientInfo {
	return b.registry.Snapshot()
}

// Kick disconnects one client.
func (b *Bridge) Kick(id ClientID) bool {
	return b.registry.Kick(id)
}

// Addr is the bound listener address once Serve has started.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener
}

func (b *Bridge) Status() Status {
	listen := ""
	if addr := b.Addr(); addr != nil {
		listen = addr.String()
	}
	return Status{
		Mode:             b.cfg.Mode,
		Device:           b.link.dialer.String(),
		Link:             b.link.State().String(),
		ConnectAttempts:  b.link.Attempts(),
		Listen:           listen,
		Uptime:           time.Since(b.started).Truncate(time.Second).String(),
		Clients:          b.registry.Len(),
		FramesFromDevice: b.framesDown.Load(),
		FramesToDevice:   b.framesUp.Load(),
		BytesFromDevice:  b.bytesDown.Load(),
		BytesToDevice:    b.bytesUp.Load(),
		DroppedToDevice:  b.dropped.Load(),
		ResyncDiscarded:  b.resync.Load(),
	}
}

// Run listens on the configured address and serves until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", b.cfg.Addr(), err)
	}
	return b.Serve(ctx, ln)
}

// Serve starts the link supervisor and accepts clients from ln until ctx
// ends or ln fails. On return every client is closed, every pump has exited
// and the device link is closed. Link failures never end Serve.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	b.listener = ln.Addr()
	b.mu.Unlock()
	b.log.Info().Str("listen", ln.Addr().String()).Str("device", b.link.dialer.String()).Msg("bridge listening")

	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		if err := b.link.Run(ctx, b.handleUpstream); err != nil {
			b.log.Error().Err(err).Msg("device link supervisor stopped; client traffic to the device will be dropped")
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	err := b.acceptLoop(ctx, ln)

	cancel()
	b.registry.CloseAll()
	b.wg.Wait()
	<-linkDone
	b.log.Info().Msg("bridge stopped")
	return err
}

func (b *Bridge) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		c, err := b.registry.Add(conn, conn.RemoteAddr().String())
		if err != nil {
			_ = conn.Close()
			continue
		}
		b.wg.Add(1)
		go b.serveClient(c)
	}
}

func (b *Bridge) onLinkState(state LinkState) {
	switch state {
	case LinkConnected:
		// A new connection starts on a frame boundary; drop any partial
		// frame left from the previous one.
		if b.upstream != nil {
			b.upstream.Reset()
		}
		b.log.Info().Msg("device link up")
	case LinkDisconnected:
		b.log.Warn().Int("clients", b.registry.Len()).Msg("device link down")
	}
}
