package bridge

import (
	"errors"
	"io"
	"net"

	"github.com/danmuck/meshbridge/internal/observability"
	"github.com/danmuck/meshbridge/internal/protocol/frame"
)

// handleUpstream runs on the link goroutine for every device chunk. In
// framed mode the decoder is fed even with no clients so its state stays
// aligned for clients that join later.
func (b *Bridge) handleUpstream(chunk []byte) {
	b.bytesDown.Add(uint64(len(chunk)))
	observability.RecordBytes(observability.DirectionDownstream, len(chunk))

	if b.upstream == nil {
		b.broadcast(chunk)
		return
	}

	frames := b.decode(b.upstream, chunk, observability.DirectionDownstream, "")
	for _, f := range frames {
		// Broadcast returns only after every write, so the buffer is reusable.
		wire, err := frame.AppendEncode(b.wire[:0], f.Payload)
		if err != nil {
			b.log.Error().Err(err).Msg("re-encode device frame")
			continue
		}
		b.wire = wire
		b.broadcast(wire)
		b.framesDown.Add(1)
	}
	observability.RecordFrames(observability.DirectionDownstream, len(frames))
}

func (b *Bridge) broadcast(p []byte) {
	if failed := b.registry.Broadcast(p); len(failed) > 0 {
		b.log.Debug().Int("failed", len(failed)).Int("clients", b.registry.Len()).Msg("broadcast dropped clients")
	}
}

func (b *Bridge) decode(dec *frame.Decoder, chunk []byte, direction string, clientID ClientID) []frame.Frame {
	before := dec.Discarded()
	frames := dec.Feed(chunk)
	if skipped := dec.Discarded() - before; skipped > 0 {
		b.resync.Add(skipped)
		observability.RecordResync(direction, skipped)
		b.log.Debug().
			Str("direction", direction).
			Str("client_id", string(clientID)).
			Uint64("discarded", skipped).
			Msg("resync: bytes skipped while seeking marker")
	}
	return frames
}

// serveClient is the client->device pump for one client. It exits when the
// client disconnects or is closed by the registry.
func (b *Bridge) serveClient(c *Client) {
	defer b.wg.Done()
	defer b.registry.Remove(c.ID())

	var p *clientPump
	if b.cfg.Mode == ModeFramed {
		p = &clientPump{dec: frame.NewDecoder()}
	}

	buf := make([]byte, b.cfg.ReadBufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			b.forwardUpstream(c, p, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.log.Debug().Str("client_id", string(c.ID())).Err(err).Msg("client read ended")
			}
			return
		}
	}
}

// clientPump is the framed-mode state owned by one client's pump goroutine.
type clientPump struct {
	dec  *frame.Decoder
	wire []byte
}

func (b *Bridge) forwardUpstream(c *Client, p *clientPump, chunk []byte) {
	observability.RecordBytes(observability.DirectionUpstream, len(chunk))
	if p == nil {
		b.writeUpstream(c, chunk)
		return
	}

	frames := b.decode(p.dec, chunk, observability.DirectionUpstream, c.ID())
	for _, f := range frames {
		wire, err := frame.AppendEncode(p.wire[:0], f.Payload)
		if err != nil {
			b.log.Error().Err(err).Msg("re-encode client frame")
			continue
		}
		p.wire = wire
		if b.writeUpstream(c, wire) {
			b.framesUp.Add(1)
			observability.RecordFrames(observability.DirectionUpstream, 1)
		}
	}
}

// writeUpstream never blocks on a down link and never buffers: data that
// cannot be written now is dropped. The client stays registered.
func (b *Bridge) writeUpstream(c *Client, p []byte) bool {
	err := b.link.Write(p)
	if err == nil {
		b.bytesUp.Add(uint64(len(p)))
		return true
	}
	b.dropped.Add(uint64(len(p)))
	observability.RecordUpstreamDrop(len(p))
	if errors.Is(err, ErrUpstreamUnavailable) {
		b.log.Warn().Str("client_id", string(c.ID())).Int("bytes", len(p)).Msg("device link down; dropping client data")
		return false
	}
	b.log.Error().Str("client_id", string(c.ID())).Int("bytes", len(p)).Err(err).Msg("device write failed; dropping client data")
	return false
}
