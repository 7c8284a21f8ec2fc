package bridge

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshbridge/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Removal reasons reported to metrics.
const (
	reasonDisconnected = "disconnected"
	reasonWriteFailed  = "write_failed"
	reasonKicked       = "kicked"
	reasonShutdown     = "shutdown"
)

// ClientID identifies one accepted downstream connection.
type ClientID string

// Conn is a downstream duplex byte channel. net.Conn satisfies it; when the
// value also has SetWriteDeadline, stalled writes are bounded by the
// registry's WriteTimeout.
type Conn interface {
	io.ReadWriteCloser
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// ClientInfo is a point-in-time view of one client.
type ClientInfo struct {
	ID            ClientID  `json:"id"`
	Peer          string    `json:"peer"`
	ConnectedAt   time.Time `json:"connected_at"`
	FramesSent    uint64    `json:"frames_sent"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
}

// Client is one registered downstream channel. Writes and close share mu so
// a client is never closed while a broadcast write to it is in progress.
type Client struct {
	id          ClientID
	peer        string
	connectedAt time.Time
	conn        Conn
	log         zerolog.Logger

	mu     sync.Mutex
	closed bool

	framesSent    atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func (c *Client) ID() ClientID {
	return c.id
}

func (c *Client) Peer() string {
	return c.peer
}

// Read pulls the next chunk sent by the client.
func (c *Client) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if n > 0 {
		c.bytesReceived.Add(uint64(n))
	}
	return n, err
}

// Active reports whether the client has not been closed yet.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Client) Info() ClientInfo {
	return ClientInfo{
		ID:            c.id,
		Peer:          c.peer,
		ConnectedAt:   c.connectedAt,
		FramesSent:    c.framesSent.Load(),
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
	}
}

func (c *Client) write(p []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	if d, ok := c.conn.(writeDeadliner); ok && timeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			c.log.Debug().Err(err).Msg("set write deadline failed; write is unbounded")
		}
		defer func() {
			if err := d.SetWriteDeadline(time.Time{}); err != nil {
				c.log.Debug().Err(err).Msg("clear write deadline failed")
			}
		}()
	}
	n, err := c.conn.Write(p)
	if n > 0 {
		c.bytesSent.Add(uint64(n))
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return err
	}
	c.framesSent.Add(1)
	return nil
}

func (c *Client) close() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, nil
	}
	c.closed = true
	return true, c.conn.Close()
}

// Registry is the single source of truth for who receives broadcasts.
type Registry struct {
	cfg RegistryConfig
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[ClientID]*Client
	closed  bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	def := DefaultConfig().Client
	if cfg.ParallelThreshold <= 0 {
		cfg.ParallelThreshold = def.ParallelThreshold
	}
	return &Registry{
		cfg:     cfg,
		log:     log.With().Str("component", "registry").Logger(),
		clients: make(map[ClientID]*Client),
	}
}

// Add registers conn and returns its client handle.
func (r *Registry) Add(conn Conn, peer string) (*Client, error) {
	c := &Client{
		id:          ClientID(uuid.NewString()),
		peer:        peer,
		connectedAt: time.Now(),
		conn:        conn,
	}
	c.log = r.log.With().Str("client_id", string(c.id)).Str("peer", peer).Logger()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.clients[c.id] = c
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetClients(n)
	r.log.Info().Str("client_id", string(c.id)).Str("peer", peer).Int("clients", n).Msg("client registered")
	return c, nil
}

// Remove unregisters id and closes its channel. It reports whether id was
// registered.
func (r *Registry) Remove(id ClientID) bool {
	return r.remove(id, reasonDisconnected)
}

// Kick removes a client on operator request.
func (r *Registry) Kick(id ClientID) bool {
	return r.remove(id, reasonKicked)
}

func (r *Registry) remove(id ClientID, reason string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	n := len(r.clients)
	r.mu.Unlock()
	if !ok {
		return false
	}

	observability.SetClients(n)
	observability.RecordClientRemoved(reason)
	r.closeClient(c, reason)
	r.log.Info().Str("client_id", string(id)).Str("peer", c.peer).Str("reason", reason).Int("clients", n).Msg("client removed")
	return true
}

func (r *Registry) closeClient(c *Client, reason string) {
	if _, err := c.close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		r.log.Debug().Str("client_id", string(c.id)).Str("reason", reason).Err(err).Msg("client close failed")
	}
}

func (r *Registry) Get(id ClientID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// ForEachActive calls fn for every client registered at call time that is
// still open, until fn returns false.
func (r *Registry) ForEachActive(fn func(*Client) bool) {
	for _, c := range r.snapshot() {
		if !c.Active() {
			continue
		}
		if !fn(c) {
			return
		}
	}
}

// Snapshot lists client views ordered by connection time.
func (r *Registry) Snapshot() []ClientInfo {
	clients := r.snapshot()
	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Broadcast writes p to every client registered when the call starts and
// returns the clients whose write failed. Failed clients are removed before
// Broadcast returns. Clients removed during the pass are skipped.
func (r *Registry) Broadcast(p []byte) []ClientID {
	clients := r.snapshot()
	if len(clients) == 0 {
		return nil
	}
	start := time.Now()

	var failed []ClientID
	if len(clients) <= r.cfg.ParallelThreshold {
		for _, c := range clients {
			if err := r.deliver(c, p); err != nil {
				failed = append(failed, c.id)
			}
		}
	} else {
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for i := 0; i < len(clients); i += r.cfg.ParallelThreshold {
			end := i + r.cfg.ParallelThreshold
			if end > len(clients) {
				end = len(clients)
			}
			wg.Add(1)
			go func(batch []*Client) {
				defer wg.Done()
				for _, c := range batch {
					if err := r.deliver(c, p); err != nil {
						mu.Lock()
						failed = append(failed, c.id)
						mu.Unlock()
					}
				}
			}(clients[i:end])
		}
		wg.Wait()
	}

	for _, id := range failed {
		r.remove(id, reasonWriteFailed)
	}
	observability.ObserveBroadcast(time.Since(start))
	return failed
}

func (r *Registry) deliver(c *Client, p []byte) error {
	err := c.write(p, r.cfg.WriteTimeout)
	if err == nil || errors.Is(err, errClientClosed) {
		return nil
	}
	terr := &TransportError{
		Side: SideClient,
		Op:   OpWrite,
		Peer: c.peer,
		Err:  fmt.Errorf("%w: %w", ErrClientWriteFailed, err),
	}
	r.log.Warn().Str("client_id", string(c.id)).Err(terr).Msg("broadcast write failed")
	return terr
}

// CloseAll closes every client and rejects later Add calls.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		clients = append(clients, c)
		delete(r.clients, id)
	}
	r.mu.Unlock()

	for _, c := range clients {
		observability.RecordClientRemoved(reasonShutdown)
		r.closeClient(c, reasonShutdown)
	}
	observability.SetClients(0)
}
