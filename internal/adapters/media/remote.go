package media

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mivora/callkit/internal/core"
)

// Playback is considered stalled when no RTP arrived for this long.
const stallThreshold = 3 * time.Second

// rtpSource is the readable side of a remote track, satisfied by
// *webrtc.TrackRemote.
type rtpSource interface {
	SetReadDeadline(deadline time.Time) error
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// remoteTrack is a subscribed counterpart track. "Playback" for this
// headless client means actively draining RTP; an undrained track backs
// up and stalls, which is what the reconciler detects via Playing.
type remoteTrack struct {
	uid  string
	kind core.TrackKind
	rt   *webrtc.TrackRemote
	src  rtpSource

	mu      sync.Mutex
	cancel  context.CancelFunc
	drainID uint64
	lastPkt atomic.Int64
}

func newRemoteTrack(uid string, kind core.TrackKind, rt *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{uid: uid, kind: kind, rt: rt, src: rt}
}

func (t *remoteTrack) ID() string           { return t.rt.ID() }
func (t *remoteTrack) Kind() core.TrackKind { return t.kind }

func (t *remoteTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.drainID++
	id := t.drainID
	t.lastPkt.Store(time.Now().UnixNano())
	go func() {
		t.drain(ctx)
		t.finish(id)
	}()
	return nil
}

// finish clears the running state left by drain id, so a later Play
// starts a fresh drain instead of no-opping against a dead one. The
// state of a newer drain is left alone.
func (t *remoteTrack) finish(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drainID != id {
		return
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *remoteTrack) Playing() bool {
	t.mu.Lock()
	running := t.cancel != nil
	t.mu.Unlock()
	if !running {
		return false
	}
	last := time.Unix(0, t.lastPkt.Load())
	return time.Since(last) < stallThreshold
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *remoteTrack) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := t.src.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			log.Debug().Err(err).Str("module", "adapters.media").Str("uid", t.uid).Msg("set read deadline")
			return
		}
		if _, _, err := t.src.ReadRTP(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Debug().Err(err).Str("module", "adapters.media").Str("uid", t.uid).Str("kind", string(t.kind)).Msg("drain ended")
			return
		}
		t.lastPkt.Store(time.Now().UnixNano())
	}
}
