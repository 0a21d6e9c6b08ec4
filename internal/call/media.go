package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

// remoteHandle is the locally cached view of one counterpart's
// subscribed tracks. It corresponds to exactly one participant, but the
// two lists may transiently diverge; the reconciler restores that
// invariant.
type remoteHandle struct {
	uid   string
	audio core.RemoteTrack
	video core.RemoteTrack
}

// MediaManager owns the lifecycle of local capture devices and the
// published/subscribed state of the single shared media room.
type MediaManager struct {
	room core.MediaRoom
	cap  core.DeviceCapturer

	mu      sync.Mutex
	local   core.LocalTracks
	remotes map[string]*remoteHandle
}

func NewMediaManager(room core.MediaRoom, cap core.DeviceCapturer) *MediaManager {
	return &MediaManager{
		room:    room,
		cap:     cap,
		remotes: make(map[string]*remoteHandle),
	}
}

// AcquireLocal captures the microphone, and the camera when callType is
// video. Already-held tracks are kept, so repeated acquisition during
// answer→join is cheap. Microphone failure is fatal to call setup;
// camera failure degrades the call to audio-only.
func (m *MediaManager) AcquireLocal(ctx context.Context, callType domain.CallType) error {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()

	if local.Audio == nil {
		audio, err := m.cap.CaptureAudio(ctx)
		if err != nil {
			return fmt.Errorf("capture microphone: %w", err)
		}
		local.Audio = audio
	}

	if callType.IsVideo() && local.Video == nil {
		video, err := m.cap.CaptureVideo(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "call.media").Msg("camera capture failed, continuing audio-only")
		} else {
			local.Video = video
		}
	}

	m.mu.Lock()
	m.local = local
	m.mu.Unlock()
	return nil
}

// Local returns the current local capture handles.
func (m *MediaManager) Local() core.LocalTracks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// JoinRoom joins the media room for callID. A connection to a different
// room is left first; multiple concurrent rooms are not supported.
func (m *MediaManager) JoinRoom(ctx context.Context, callID domain.CallID, uid domain.UserID) error {
	if joined, ok := m.room.Joined(); ok {
		if joined == callID {
			return nil
		}
		if err := m.room.Leave(); err != nil {
			log.Warn().Err(err).Str("module", "call.media").Str("room", string(joined)).Msg("leave previous room")
		}
		m.dropRemotes()
	}
	if err := m.room.Join(ctx, callID, uid); err != nil {
		return fmt.Errorf("join media room %s: %w", callID, err)
	}
	return nil
}

// PublishLocal publishes the non-nil local tracks. A bulk publish is
// tried first; on failure each track is published individually so a
// video failure does not also block audio.
func (m *MediaManager) PublishLocal(ctx context.Context) error {
	local := m.Local()
	tracks := make([]core.LocalTrack, 0, 2)
	if local.Audio != nil {
		tracks = append(tracks, local.Audio)
	}
	if local.Video != nil {
		tracks = append(tracks, local.Video)
	}
	if len(tracks) == 0 {
		return nil
	}

	if err := m.room.Publish(ctx, tracks); err == nil {
		return nil
	} else {
		log.Warn().Err(err).Str("module", "call.media").Msg("bulk publish failed, retrying per track")
	}

	var lastErr error
	published := 0
	for _, t := range tracks {
		if err := m.room.Publish(ctx, []core.LocalTrack{t}); err != nil {
			log.Error().Err(err).Str("module", "call.media").Str("kind", string(t.Kind())).Msg("publish track")
			lastErr = err
			continue
		}
		published++
	}
	if published == 0 && lastErr != nil {
		return fmt.Errorf("publish local tracks: %w", lastErr)
	}
	return nil
}

// SubscribeTo subscribes to a remote user's published track of the
// given kind and caches the handle. Audio playback is started right
// away since it does not start automatically; a playback error is
// logged and left for the reconciler to repair.
func (m *MediaManager) SubscribeTo(ctx context.Context, uid string, kind core.TrackKind) error {
	track, err := m.room.Subscribe(ctx, uid, kind)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", uid, kind, err)
	}

	m.mu.Lock()
	h, ok := m.remotes[uid]
	if !ok {
		h = &remoteHandle{uid: uid}
		m.remotes[uid] = h
	}
	switch kind {
	case core.TrackAudio:
		h.audio = track
	case core.TrackVideo:
		h.video = track
	}
	m.mu.Unlock()

	if kind == core.TrackAudio {
		if err := track.Play(); err != nil {
			log.Warn().Err(err).Str("module", "call.media").Str("uid", uid).Msg("audio playback failed, reconciler will retry")
		}
	}
	return nil
}

// Resubscribe drops and re-acquires one media kind for a remote user.
// Used by the reconciler when a track handle is missing or stuck.
func (m *MediaManager) Resubscribe(ctx context.Context, uid string, kind core.TrackKind) error {
	m.mu.Lock()
	if h, ok := m.remotes[uid]; ok {
		switch kind {
		case core.TrackAudio:
			if h.audio != nil {
				h.audio.Stop()
				h.audio = nil
			}
		case core.TrackVideo:
			if h.video != nil {
				h.video.Stop()
				h.video = nil
			}
		}
	}
	m.mu.Unlock()

	if err := m.room.Unsubscribe(uid, kind); err != nil {
		log.Debug().Err(err).Str("module", "call.media").Str("uid", uid).Msg("unsubscribe before resubscribe")
	}
	return m.SubscribeTo(ctx, uid, kind)
}

// HandleUnpublished drops the cached track for a kind the remote user
// stopped publishing.
func (m *MediaManager) HandleUnpublished(uid string, kind core.TrackKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.remotes[uid]
	if !ok {
		return
	}
	switch kind {
	case core.TrackAudio:
		if h.audio != nil {
			h.audio.Stop()
			h.audio = nil
		}
	case core.TrackVideo:
		if h.video != nil {
			h.video.Stop()
			h.video = nil
		}
	}
}

// HandleUserLeft releases all cached tracks for a departed remote user.
func (m *MediaManager) HandleUserLeft(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.remotes[uid]; ok {
		if h.audio != nil {
			h.audio.Stop()
		}
		if h.video != nil {
			h.video.Stop()
		}
		delete(m.remotes, uid)
	}
}

func (m *MediaManager) handle(uid string) (*remoteHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.remotes[uid]
	return h, ok
}

// ToggleAudio flips the local microphone track. Returns the new enabled
// state.
func (m *MediaManager) ToggleAudio() (bool, error) {
	return m.toggle(func(l core.LocalTracks) core.LocalTrack { return l.Audio })
}

// ToggleVideo flips the local camera track. Returns the new enabled
// state.
func (m *MediaManager) ToggleVideo() (bool, error) {
	return m.toggle(func(l core.LocalTracks) core.LocalTrack { return l.Video })
}

func (m *MediaManager) toggle(pick func(core.LocalTracks) core.LocalTrack) (bool, error) {
	track := pick(m.Local())
	if track == nil {
		return false, core.ErrNotPublished
	}
	next := !track.Enabled()
	if err := track.SetEnabled(next); err != nil {
		return track.Enabled(), err
	}
	return next, nil
}

// LeaveRoom stops and closes local tracks, leaves the room and releases
// all remote handles. Safe to call when not joined.
func (m *MediaManager) LeaveRoom() {
	m.releaseLocal()
	if _, ok := m.room.Joined(); ok {
		if err := m.room.Leave(); err != nil {
			log.Warn().Err(err).Str("module", "call.media").Msg("leave media room")
		}
	}
	m.dropRemotes()
}

func (m *MediaManager) releaseLocal() {
	m.mu.Lock()
	local := m.local
	m.local = core.LocalTracks{}
	m.mu.Unlock()

	if local.Audio != nil {
		if err := local.Audio.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call.media").Msg("close audio track")
		}
	}
	if local.Video != nil {
		if err := local.Video.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call.media").Msg("close video track")
		}
	}
}

func (m *MediaManager) dropRemotes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, h := range m.remotes {
		if h.audio != nil {
			h.audio.Stop()
		}
		if h.video != nil {
			h.video.Stop()
		}
		delete(m.remotes, uid)
	}
}
