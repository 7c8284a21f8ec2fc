package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/meshbridge/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LinkState is the device link's position in its lifecycle.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer opens the upstream device transport.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// Link supervises the single upstream connection. Only Run mutates the
// connection; other goroutines observe State and write through Write.
type Link struct {
	dialer      Dialer
	cfg         ReconnectConfig
	readSize    int
	stableAfter time.Duration
	rng         *rand.Rand
	log         zerolog.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	state    LinkState
	handle   io.ReadWriteCloser
	changed  chan struct{}
	watchers []func(LinkState)
	attempts int
}

func NewLink(dialer Dialer, cfg ReconnectConfig, readSize int) *Link {
	def := DefaultConfig()
	if readSize <= 0 {
		readSize = def.ReadBufferSize
	}
	stableAfter := cfg.StableAfter
	if stableAfter <= 0 {
		stableAfter = def.Reconnect.StableAfter
	}
	return &Link{
		dialer:      dialer,
		cfg:         cfg,
		readSize:    readSize,
		stableAfter: stableAfter,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		log:         log.With().Str("component", "link").Str("device", dialer.String()).Logger(),
		changed:     make(chan struct{}),
	}
}

func (l *Link) State() LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Usable reports whether a write right now would reach the device.
func (l *Link) Usable() bool {
	return l.State() == LinkConnected
}

// OnStateChange registers fn to run after every transition. Callbacks run
// on the goroutine executing Run and must not block.
func (l *Link) OnStateChange(fn func(LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// WaitState blocks until the link reaches want or ctx ends.
func (l *Link) WaitState(ctx context.Context, want LinkState) error {
	for {
		l.mu.RLock()
		state, ch := l.state, l.changed
		l.mu.RUnlock()
		if state == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Attempts is the total number of dial attempts made so far.
func (l *Link) Attempts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attempts
}

// transition keeps handle non-nil exactly while the state is connected.
// Only the goroutine executing Run calls it.
func (l *Link) transition(state LinkState, handle io.ReadWriteCloser) {
	l.mu.Lock()
	if l.state == state {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.handle = handle
	close(l.changed)
	l.changed = make(chan struct{})
	watchers := make([]func(LinkState), len(l.watchers))
	copy(watchers, l.watchers)
	l.mu.Unlock()

	observability.SetLinkState(int(state))
	l.log.Debug().Str("state", state.String()).Msg("link state")
	for _, fn := range watchers {
		fn(state)
	}
}

// Write sends p to the device as one write. The usability check is made
// immediately before the write; a loss racing with it resolves to a
// reported write failure. Writes from different clients are serialised so
// frames never interleave on the device.
func (l *Link) Write(p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	h := l.handle
	l.mu.RUnlock()
	if h == nil {
		return &TransportError{Side: SideUpstream, Op: OpWrite, Peer: l.dialer.String(), Err: ErrUpstreamUnavailable}
	}
	n, err := h.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return &TransportError{Side: SideUpstream, Op: OpWrite, Peer: l.dialer.String(), Err: err}
	}
	return nil
}

// Run connects, pumps device bytes into onData, and reconnects after loss
// per the reconnect config. onData must not retain the slice it receives.
// Every redial after a loss is delayed by backoff. The attempt count only
// resets once a connection proves stable. Run returns nil when ctx ends, or
// the error that made it give up.
func (l *Link) Run(ctx context.Context, onData func([]byte)) error {
	defer l.transition(LinkDisconnected, nil)
	var attempt int
	for {
		handle, err := l.connect(ctx, &attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		stable, readErr := l.pump(ctx, handle, onData)
		if ctx.Err() != nil {
			return nil
		}
		if stable {
			attempt = 0
		}
		if !l.shouldRetry(attempt) {
			l.log.Warn().Int("attempts", attempt).Err(readErr).Msg("device link lost; not reconnecting")
			return fmt.Errorf("%w: %w", ErrLinkLost, readErr)
		}
		delay := NextBackoffDelay(l.cfg.Backoff, attempt, l.rng)
		l.log.Warn().Int("attempts", attempt).Dur("retry_in", delay).Err(readErr).Msg("device link lost")
		if err := sleepContext(ctx, delay); err != nil {
			return nil
		}
	}
}

// connect dials until success or the retry budget is spent. attempt is the
// running count shared with Run.
func (l *Link) connect(ctx context.Context, attempt *int) (io.ReadWriteCloser, error) {
	for {
		*attempt++
		l.mu.Lock()
		l.attempts++
		l.mu.Unlock()

		l.transition(LinkConnecting, nil)
		handle, err := l.dialer.Dial(ctx)
		observability.RecordConnectAttempt(err == nil)
		if err == nil {
			l.transition(LinkConnected, handle)
			l.log.Info().Int("attempt", *attempt).Msg("device link connected")
			return handle, nil
		}
		l.transition(LinkDisconnected, nil)

		terr := &TransportError{Side: SideUpstream, Op: OpConnect, Peer: l.dialer.String(), Err: err}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.log.Warn().Int("attempt", *attempt).Err(err).Msg("device connect failed")
		if !l.shouldRetry(*attempt) {
			return nil, terr
		}
		delay := NextBackoffDelay(l.cfg.Backoff, *attempt, l.rng)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (l *Link) shouldRetry(attempt int) bool {
	if !l.cfg.Enabled {
		return false
	}
	if l.cfg.MaxAttempts <= 0 {
		return true
	}
	return attempt < l.cfg.MaxAttempts
}

// pump reads until the handle fails. It reports whether the connection was
// stable: it delivered data or stayed up for StableAfter.
func (l *Link) pump(ctx context.Context, handle io.ReadWriteCloser, onData func([]byte)) (bool, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = handle.Close()
	})
	defer stop()

	start := time.Now()
	delivered := false
	buf := make([]byte, l.readSize)
	var readErr error
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			delivered = true
			onData(buf[:n])
		}
		if err != nil {
			readErr = err
			break
		}
	}

	// Close first so a writer blocked on the dead handle is released; it
	// reports a write failure instead of waiting on the swap.
	if err := handle.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.log.Debug().Err(err).Msg("device close failed")
	}
	l.transition(LinkDisconnected, nil)
	stable := delivered || time.Since(start) >= l.stableAfter
	return stable, &TransportError{Side: SideUpstream, Op: OpRead, Peer: l.dialer.String(), Err: readErr}
}
