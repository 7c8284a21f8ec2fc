package bridge

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshbridge/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type recordingConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writes   int
	closed   bool
	writeErr error
	closeErr error
}

func (c *recordingConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.buf.Write(p)
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *recordingConn) snapshot() ([]byte, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...), c.writes, c.closed
}

func mustAdd(t *testing.T, r *Registry, conn Conn, peer string) *Client {
	t.Helper()
	c, err := r.Add(conn, peer)
	if err != nil {
		t.Fatalf("add %s: %v", peer, err)
	}
	return c
}

func TestBroadcastIsolatesFailingClient(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{WriteTimeout: time.Second})

	healthy := []*recordingConn{{}, {}, {}}
	for i, conn := range healthy {
		mustAdd(t, r, conn, "peer-"+string(rune('a'+i)))
	}
	bad := &recordingConn{writeErr: errors.New("broken pipe")}
	badClient := mustAdd(t, r, bad, "peer-bad")

	failed := r.Broadcast([]byte("frame-1"))
	if len(failed) != 1 || failed[0] != badClient.ID() {
		t.Fatalf("unexpected failed set: %v", failed)
	}
	for i, conn := range healthy {
		if got, _, _ := conn.snapshot(); string(got) != "frame-1" {
			t.Fatalf("client %d missed frame: %q", i, got)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("expected failing client removed, len=%d", r.Len())
	}
	if _, ok := r.Get(badClient.ID()); ok {
		t.Fatalf("failing client still registered")
	}
	if _, _, closed := bad.snapshot(); !closed {
		t.Fatalf("failing client not closed")
	}

	if failed := r.Broadcast([]byte("frame-2")); len(failed) != 0 {
		t.Fatalf("unexpected failures on second broadcast: %v", failed)
	}
	if _, writes, _ := bad.snapshot(); writes != 1 {
		t.Fatalf("removed client received later broadcast, writes=%d", writes)
	}
	for i, conn := range healthy {
		if got, _, _ := conn.snapshot(); string(got) != "frame-1frame-2" {
			t.Fatalf("client %d stream mismatch: %q", i, got)
		}
	}
}

func TestBroadcastFailureIsTransportError(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{})
	c := mustAdd(t, r, &recordingConn{writeErr: io.ErrClosedPipe}, "peer")

	err := r.deliver(c, []byte("x"))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
	if terr.Side != SideClient || terr.Op != OpWrite {
		t.Fatalf("unexpected error shape: %+v", terr)
	}
	if !errors.Is(err, ErrClientWriteFailed) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected wrapped causes, got %v", err)
	}
}

func TestBroadcastParallelBatches(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{ParallelThreshold: 2})
	conns := make([]*recordingConn, 7)
	for i := range conns {
		conns[i] = &recordingConn{}
		mustAdd(t, r, conns[i], "peer")
	}
	conns[4].writeErr = errors.New("reset by peer")

	failed := r.Broadcast([]byte("abc"))
	if len(failed) != 1 {
		t.Fatalf("expected one failure, got %v", failed)
	}
	for i, conn := range conns {
		if i == 4 {
			continue
		}
		if got, _, _ := conn.snapshot(); string(got) != "abc" {
			t.Fatalf("client %d missed parallel broadcast: %q", i, got)
		}
	}
	if r.Len() != 6 {
		t.Fatalf("unexpected len after parallel broadcast: %d", r.Len())
	}
}

func TestBroadcastSkipsRemovedClient(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{})
	conn := &recordingConn{}
	c := mustAdd(t, r, conn, "peer")

	if !r.Remove(c.ID()) {
		t.Fatalf("expected remove to report membership")
	}
	if r.Remove(c.ID()) {
		t.Fatalf("second remove must be a no-op")
	}
	if failed := r.Broadcast([]byte("late")); len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if _, writes, closed := conn.snapshot(); writes != 0 || !closed {
		t.Fatalf("removed client written=%d closed=%v", writes, closed)
	}

	// A client closed after the snapshot but before its turn is skipped.
	conn2 := &recordingConn{}
	c2 := mustAdd(t, r, conn2, "peer-2")
	snap := r.snapshot()
	r.Remove(c2.ID())
	for _, sc := range snap {
		if err := r.deliver(sc, []byte("x")); err != nil {
			t.Fatalf("deliver to closed client should be skipped, got %v", err)
		}
	}
	if _, writes, _ := conn2.snapshot(); writes != 0 {
		t.Fatalf("closed client written %d times", writes)
	}
}

func TestRemoveCloseErrorIsContained(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{})
	c := mustAdd(t, r, &recordingConn{closeErr: errors.New("close failed")}, "peer")
	if !r.Remove(c.ID()) {
		t.Fatalf("expected removal despite close error")
	}
	if r.Len() != 0 {
		t.Fatalf("unexpected len: %d", r.Len())
	}
}

func TestStalledClientTimesOut(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{WriteTimeout: 50 * time.Millisecond})

	stalled, peerEnd := net.Pipe()
	defer peerEnd.Close()
	stalledClient := mustAdd(t, r, stalled, "stalled")
	healthy := &recordingConn{}
	mustAdd(t, r, healthy, "healthy")

	start := time.Now()
	failed := r.Broadcast([]byte("tick"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stalled client blocked broadcast for %v", elapsed)
	}
	if len(failed) != 1 || failed[0] != stalledClient.ID() {
		t.Fatalf("expected stalled client to fail, got %v", failed)
	}
	if got, _, _ := healthy.snapshot(); string(got) != "tick" {
		t.Fatalf("healthy client missed frame: %q", got)
	}
}

func TestForEachActiveAndSnapshot(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{})
	a := mustAdd(t, r, &recordingConn{}, "a")
	time.Sleep(time.Millisecond)
	b := mustAdd(t, r, &recordingConn{}, "b")

	seen := 0
	r.ForEachActive(func(c *Client) bool {
		seen++
		return true
	})
	if seen != 2 {
		t.Fatalf("expected 2 active clients, saw %d", seen)
	}

	stopped := 0
	r.ForEachActive(func(c *Client) bool {
		stopped++
		return false
	})
	if stopped != 1 {
		t.Fatalf("expected early stop, saw %d", stopped)
	}

	r.Broadcast([]byte("12345"))
	infos := r.Snapshot()
	if len(infos) != 2 || infos[0].ID != a.ID() || infos[1].ID != b.ID() {
		t.Fatalf("unexpected snapshot order: %+v", infos)
	}
	if infos[0].BytesSent != 5 || infos[0].FramesSent != 1 {
		t.Fatalf("unexpected counters: %+v", infos[0])
	}
}

func TestAddAfterCloseAllRejected(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{})
	conn := &recordingConn{}
	mustAdd(t, r, conn, "a")
	r.CloseAll()
	if _, _, closed := conn.snapshot(); !closed {
		t.Fatalf("CloseAll left client open")
	}
	if _, err := r.Add(&recordingConn{}, "late"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestConcurrentMembershipDuringBroadcast(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{ParallelThreshold: 3})
	payload := []byte("0123456789")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Broadcast(payload)
			}
		}
	}()

	conns := make([]*recordingConn, 0, 200)
	for i := 0; i < 200; i++ {
		conn := &recordingConn{}
		conns = append(conns, conn)
		c := mustAdd(t, r, conn, "churn")
		if i%2 == 0 {
			r.Remove(c.ID())
		}
	}
	close(stop)
	wg.Wait()

	for i, conn := range conns {
		got, _, _ := conn.snapshot()
		if len(got)%len(payload) != 0 {
			t.Fatalf("client %d received a partial payload: %d bytes", i, len(got))
		}
		for off := 0; off < len(got); off += len(payload) {
			if !bytes.Equal(got[off:off+len(payload)], payload) {
				t.Fatalf("client %d stream corrupted at %d", i, off)
			}
		}
	}
}

// gatedConn blocks every Write until release is closed.
type gatedConn struct {
	recordingConn
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedConn() *gatedConn {
	return &gatedConn{entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *gatedConn) Write(p []byte) (int, error) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return c.recordingConn.Write(p)
}

func TestClientAddedDuringBroadcastMissesInFlightPayload(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(RegistryConfig{})
	slow := newGatedConn()
	mustAdd(t, r, slow, "slow")

	done := make(chan []ClientID, 1)
	go func() { done <- r.Broadcast([]byte("in-flight")) }()

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast never reached the slow client")
	}
	late := &recordingConn{}
	mustAdd(t, r, late, "late")
	close(slow.release)

	select {
	case failed := <-done:
		if len(failed) != 0 {
			t.Fatalf("unexpected failures: %v", failed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast did not finish")
	}
	if got, writes, _ := late.snapshot(); writes != 0 || len(got) != 0 {
		t.Fatalf("late client received in-flight payload: %q", got)
	}
	if got, _, _ := slow.snapshot(); string(got) != "in-flight" {
		t.Fatalf("slow client missed payload: %q", got)
	}

	r.Broadcast([]byte("next"))
	if got, _, _ := late.snapshot(); string(got) != "next" {
		t.Fatalf("late client missed the following payload: %q", got)
	}
}

type deadlineFailConn struct {
	recordingConn
}

func (c *deadlineFailConn) SetWriteDeadline(time.Time) error {
	return errors.New("deadline unsupported")
}

func TestWriteDeadlineFailureIsLogged(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	r := NewRegistry(RegistryConfig{WriteTimeout: time.Second})
	r.log = zerolog.New(&out).Level(zerolog.DebugLevel)

	conn := &deadlineFailConn{}
	c := mustAdd(t, r, conn, "no-deadline")
	if failed := r.Broadcast([]byte("still-sent")); len(failed) != 0 {
		t.Fatalf("deadline failure must not fail the write: %v", failed)
	}
	if got, _, _ := conn.snapshot(); string(got) != "still-sent" {
		t.Fatalf("payload not delivered: %q", got)
	}
	logged := out.String()
	if !strings.Contains(logged, "set write deadline failed") || !strings.Contains(logged, string(c.ID())) {
		t.Fatalf("deadline failure not logged with client id: %s", logged)
	}
}
