package call

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

// fakeTransport records emits and lets tests fire inbound events
// synchronously.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	reconnectErr error
	handlers     map[string][]func(core.Frame)
	emitted      []emittedEvent

	// emitHook runs after an event is accepted for sending, before the
	// caller's continuation resumes.
	emitHook func(event string)
}

type emittedEvent struct {
	event   string
	payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[string][]func(core.Frame)),
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return core.ErrNotConnected
	}
	f.emitted = append(f.emitted, emittedEvent{event: event, payload: payload})
	hook := f.emitHook
	f.mu.Unlock()
	if hook != nil {
		hook(event)
	}
	return nil
}

func (f *fakeTransport) On(event string, h func(core.Frame)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeTransport) Close() {}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) emittedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.emitted))
	for i, e := range f.emitted {
		out[i] = e.event
	}
	return out
}

// fire delivers an inbound event the way the read pump would.
func (f *fakeTransport) fire(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.fireRaw(event, data)
}

func (f *fakeTransport) fireRaw(event string, data []byte) {
	f.mu.Lock()
	handlers := slices.Clone(f.handlers[event])
	f.mu.Unlock()
	for _, h := range handlers {
		h(core.Frame(data))
	}
}

// fakeLocalTrack implements core.LocalTrack.
type fakeLocalTrack struct {
	id      string
	kind    core.TrackKind
	mu      sync.Mutex
	enabled bool
	closed  bool
}

func newFakeLocalTrack(id string, kind core.TrackKind) *fakeLocalTrack {
	return &fakeLocalTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeLocalTrack) ID() string           { return t.id }
func (t *fakeLocalTrack) Kind() core.TrackKind { return t.kind }

func (t *fakeLocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeLocalTrack) SetEnabled(v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
	return nil
}

func (t *fakeLocalTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeLocalTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeCapturer hands out fake tracks and can fail per kind.
type fakeCapturer struct {
	audioErr error
	videoErr error

	mu     sync.Mutex
	audios []*fakeLocalTrack
	videos []*fakeLocalTrack
}

func (c *fakeCapturer) CaptureAudio(context.Context) (core.LocalTrack, error) {
	if c.audioErr != nil {
		return nil, c.audioErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := newFakeLocalTrack("mic", core.TrackAudio)
	c.audios = append(c.audios, t)
	return t, nil
}

func (c *fakeCapturer) CaptureVideo(context.Context) (core.LocalTrack, error) {
	if c.videoErr != nil {
		return nil, c.videoErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := newFakeLocalTrack("cam", core.TrackVideo)
	c.videos = append(c.videos, t)
	return t, nil
}

// fakeRemoteTrack implements core.RemoteTrack.
type fakeRemoteTrack struct {
	id   string
	kind core.TrackKind

	mu        sync.Mutex
	playErr   error
	playing   bool
	playCalls int
}

func (t *fakeRemoteTrack) ID() string           { return t.id }
func (t *fakeRemoteTrack) Kind() core.TrackKind { return t.kind }

func (t *fakeRemoteTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playCalls++
	if t.playErr != nil {
		return t.playErr
	}
	t.playing = true
	return nil
}

func (t *fakeRemoteTrack) Playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}

func (t *fakeRemoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = false
}

// fakeRemoteUser is a remote entry in the fake room.
type fakeRemoteUser struct {
	hasAudio bool
	hasVideo bool
	playErr  error
}

// fakeRoom implements core.MediaRoom in memory.
type fakeRoom struct {
	mu          sync.Mutex
	joined      domain.CallID
	joinErr     error
	bulkErr     error
	perTrackErr map[core.TrackKind]error
	subErr      error

	published  [][]core.LocalTrack
	subscribed []*fakeRemoteTrack
	leaveCount int
	remotes    map[string]*fakeRemoteUser

	onPublished   func(string, core.TrackKind)
	onUnpublished func(string, core.TrackKind)
	onLeft        func(string)
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{remotes: make(map[string]*fakeRemoteUser)}
}

func (r *fakeRoom) Join(_ context.Context, roomID domain.CallID, _ domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joinErr != nil {
		return r.joinErr
	}
	if r.joined != "" {
		return errors.New("already joined")
	}
	r.joined = roomID
	return nil
}

func (r *fakeRoom) Leave() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = ""
	r.leaveCount++
	return nil
}

func (r *fakeRoom) Joined() (domain.CallID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined, r.joined != ""
}

func (r *fakeRoom) Publish(_ context.Context, tracks []core.LocalTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(tracks) > 1 && r.bulkErr != nil {
		return r.bulkErr
	}
	if len(tracks) == 1 && r.perTrackErr != nil {
		if err, ok := r.perTrackErr[tracks[0].Kind()]; ok {
			return err
		}
	}
	r.published = append(r.published, tracks)
	return nil
}

func (r *fakeRoom) Subscribe(_ context.Context, uid string, kind core.TrackKind) (core.RemoteTrack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subErr != nil {
		return nil, r.subErr
	}
	u, ok := r.remotes[uid]
	if !ok {
		return nil, core.ErrNoSuchRemote
	}
	switch kind {
	case core.TrackAudio:
		if !u.hasAudio {
			return nil, core.ErrNotPublished
		}
	case core.TrackVideo:
		if !u.hasVideo {
			return nil, core.ErrNotPublished
		}
	}
	t := &fakeRemoteTrack{id: uid + "-" + string(kind), kind: kind, playErr: u.playErr}
	r.subscribed = append(r.subscribed, t)
	return t, nil
}

func (r *fakeRoom) Unsubscribe(string, core.TrackKind) error { return nil }

func (r *fakeRoom) RemoteUsers() []core.RemoteUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RemoteUser, 0, len(r.remotes))
	for uid, u := range r.remotes {
		out = append(out, core.RemoteUser{UID: uid, HasAudio: u.hasAudio, HasVideo: u.hasVideo})
	}
	return out
}

func (r *fakeRoom) OnUserPublished(fn func(string, core.TrackKind))   { r.onPublished = fn }
func (r *fakeRoom) OnUserUnpublished(fn func(string, core.TrackKind)) { r.onUnpublished = fn }
func (r *fakeRoom) OnUserLeft(fn func(string))                        { r.onLeft = fn }

func (r *fakeRoom) addRemote(uid string, u *fakeRemoteUser) {
	r.mu.Lock()
	r.remotes[uid] = u
	r.mu.Unlock()
}

// fakeProfiles implements ProfileFetcher.
type fakeProfiles struct {
	mu    sync.Mutex
	infos map[domain.UserID]*domain.UserInfo
}

func (f *fakeProfiles) Fetch(_ context.Context, uid domain.UserID) (*domain.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.infos[uid]; ok {
		return info, nil
	}
	return nil, errors.New("profile not found")
}
