package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver

	"github.com/mivora/callkit/internal/core"
)

// Capturer acquires device tracks via pion/mediadevices.
type Capturer struct {
	engine *Engine
}

func NewCapturer(engine *Engine) *Capturer {
	return &Capturer{engine: engine}
}

func (c *Capturer) CaptureAudio(_ context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: c.engine.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("microphone: no audio track in stream")
	}
	return newLocalTrack(tracks[0], core.TrackAudio), nil
}

func (c *Capturer) CaptureVideo(_ context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mtc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			mtc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mtc.Width = prop.IntRanged{Max: 640}
			mtc.Height = prop.IntRanged{Max: 480}
		},
		Codec: c.engine.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("camera: no video track in stream")
	}
	return newLocalTrack(tracks[0], core.TrackVideo), nil
}

// localTrack wraps a captured mediadevices track. Enable/disable is
// implemented by swapping the track in and out of its RTP sender, so
// the capture device stays open across a mute.
type localTrack struct {
	track mediadevices.Track
	kind  core.TrackKind

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
}

func newLocalTrack(t mediadevices.Track, kind core.TrackKind) *localTrack {
	return &localTrack{track: t, kind: kind, enabled: true}
}

func (t *localTrack) ID() string           { return t.track.ID() }
func (t *localTrack) Kind() core.TrackKind { return t.kind }

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == enabled {
		return nil
	}
	if t.sender != nil {
		var next webrtc.TrackLocal
		if enabled {
			next = t.track
		}
		if err := t.sender.ReplaceTrack(next); err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	}
	t.enabled = enabled
	return nil
}

func (t *localTrack) Close() error {
	return t.track.Close()
}

// bindSender is called by the room after publishing so mute/unmute can
// reach the RTP sender.
func (t *localTrack) bindSender(s *webrtc.RTPSender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}
