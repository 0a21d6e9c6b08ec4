package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pion/webrtc/v4"

	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

var ErrAlreadyJoined = errors.New("media room already joined")

// mediaMsg is the room's own signaling frame (offer/answer/candidate
// exchange with the SFU). This channel is independent from call
// signaling and provides no ordering relative to it.
type mediaMsg struct {
	Type          string  `json:"type"`
	Room          string  `json:"room,omitempty"`
	UID           string  `json:"uid,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// remoteState tracks one counterpart: the raw tracks the SFU pushed and
// the drained handles created on subscribe.
type remoteState struct {
	audioRT *webrtc.TrackRemote
	videoRT *webrtc.TrackRemote
	audio   *remoteTrack
	video   *remoteTrack
}

// Room is the SFU client implementing core.MediaRoom: one room at a
// time, local tracks published over a single PeerConnection, remote
// tracks keyed by the publisher's stream id (their user id).
type Room struct {
	engine       *Engine
	url          string
	writeTimeout time.Duration

	mu     sync.Mutex
	joined domain.CallID
	pc     *webrtc.PeerConnection
	ws     *websocket.Conn
	cancel context.CancelFunc

	rmu     sync.Mutex
	remotes map[string]*remoteState

	// Registered from the wiring goroutine, invoked from OnTrack and the
	// read loop.
	cbMu          sync.RWMutex
	onPublished   func(string, core.TrackKind)
	onUnpublished func(string, core.TrackKind)
	onLeft        func(string)
}

func NewRoom(engine *Engine, url string, writeTimeout time.Duration) *Room {
	return &Room{
		engine:       engine,
		url:          url,
		writeTimeout: writeTimeout,
		remotes:      make(map[string]*remoteState),
	}
}

func (r *Room) OnUserPublished(fn func(string, core.TrackKind)) {
	r.cbMu.Lock()
	r.onPublished = fn
	r.cbMu.Unlock()
}

func (r *Room) OnUserUnpublished(fn func(string, core.TrackKind)) {
	r.cbMu.Lock()
	r.onUnpublished = fn
	r.cbMu.Unlock()
}

func (r *Room) OnUserLeft(fn func(string)) {
	r.cbMu.Lock()
	r.onLeft = fn
	r.cbMu.Unlock()
}

func (r *Room) publishedCallback() func(string, core.TrackKind) {
	r.cbMu.RLock()
	defer r.cbMu.RUnlock()
	return r.onPublished
}

func (r *Room) leftCallback() func(string) {
	r.cbMu.RLock()
	defer r.cbMu.RUnlock()
	return r.onLeft
}

func (r *Room) Joined() (domain.CallID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined, r.joined != ""
}

// Join dials the SFU, announces the room and runs the offer/answer
// exchange. The local uid doubles as the published stream id so
// counterparts can correlate media with participants.
func (r *Room) Join(ctx context.Context, roomID domain.CallID, uid domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joined != "" {
		return ErrAlreadyJoined
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("dial media server: %w", err)
	}

	pc, err := r.engine.api.NewPeerConnection(r.engine.rtcConfig())
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.handleTrack(track)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "adapters.media").Str("ice_state", s.String()).Msg("ICE state")
	})

	// Receive-only transceivers so remote tracks can arrive before we
	// publish anything.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			_ = ws.Close()
			return fmt.Errorf("add transceiver: %w", err)
		}
	}

	if err := r.writeMsg(ws, mediaMsg{Type: "join", Room: string(roomID), UID: string(uid)}); err != nil {
		_ = pc.Close()
		_ = ws.Close()
		return err
	}
	if err := r.offer(ws, pc); err != nil {
		_ = pc.Close()
		_ = ws.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.joined = roomID
	r.pc = pc
	r.ws = ws
	r.cancel = cancel
	go r.readLoop(loopCtx, ws, pc)

	log.Info().Str("module", "adapters.media").Str("room", string(roomID)).Str("uid", string(uid)).Msg("media room joined")
	return nil
}

// offer creates a local offer, waits for ICE gathering and sends the
// complete SDP. Also used for renegotiation after publishing.
func (r *Room) offer(ws *websocket.Conn, pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete
	return r.writeMsg(ws, mediaMsg{Type: "offer", SDP: pc.LocalDescription().SDP})
}

func (r *Room) writeMsg(ws *websocket.Conn, m mediaMsg) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(time.Now().Add(r.writeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (r *Room) readLoop(ctx context.Context, ws *websocket.Conn, pc *webrtc.PeerConnection) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.media").Msg("media read loop ended")
			return
		}
		var m mediaMsg
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "adapters.media").Msg("bad media message")
			continue
		}
		switch m.Type {
		case "answer":
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
				log.Error().Err(err).Str("module", "adapters.media").Msg("apply answer")
			}
		case "candidate":
			cand := webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}
			if err := pc.AddICECandidate(cand); err != nil {
				log.Error().Err(err).Str("module", "adapters.media").Msg("add ice candidate")
			}
		case "peer-left":
			r.dropRemote(m.UID)
		default:
			log.Warn().Str("module", "adapters.media").Str("type", m.Type).Msg("unknown media message")
		}
	}
}

func (r *Room) handleTrack(track *webrtc.TrackRemote) {
	uid := track.StreamID()
	kind := core.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackVideo
	}
	log.Info().Str("module", "adapters.media").Str("uid", uid).Str("kind", string(kind)).Msg("remote track arrived")

	r.rmu.Lock()
	rs, ok := r.remotes[uid]
	if !ok {
		rs = &remoteState{}
		r.remotes[uid] = rs
	}
	switch kind {
	case core.TrackAudio:
		rs.audioRT = track
	case core.TrackVideo:
		rs.videoRT = track
	}
	r.rmu.Unlock()

	if cb := r.publishedCallback(); cb != nil {
		cb(uid, kind)
	}
}

func (r *Room) dropRemote(uid string) {
	if uid == "" {
		return
	}
	r.rmu.Lock()
	rs, ok := r.remotes[uid]
	if ok {
		if rs.audio != nil {
			rs.audio.Stop()
		}
		if rs.video != nil {
			rs.video.Stop()
		}
		delete(r.remotes, uid)
	}
	r.rmu.Unlock()
	if !ok {
		return
	}
	if cb := r.leftCallback(); cb != nil {
		cb(uid)
	}
}

// Publish adds local tracks to the connection and renegotiates. On any
// failure the tracks added by this call are removed again, so a retry
// cannot double-publish.
func (r *Room) Publish(ctx context.Context, tracks []core.LocalTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pc == nil {
		return core.ErrRoomNotJoined
	}

	added := make([]*webrtc.RTPSender, 0, len(tracks))
	rollback := func() {
		for _, s := range added {
			_ = r.pc.RemoveTrack(s)
		}
	}

	for _, t := range tracks {
		lt, ok := t.(*localTrack)
		if !ok {
			rollback()
			return fmt.Errorf("publish: foreign track type %T", t)
		}
		sender, err := r.pc.AddTrack(lt.track)
		if err != nil {
			rollback()
			return fmt.Errorf("add %s track: %w", lt.kind, err)
		}
		lt.bindSender(sender)
		added = append(added, sender)
	}

	if err := r.offer(r.ws, r.pc); err != nil {
		rollback()
		return err
	}
	return nil
}

// Subscribe binds a drain handle to a track the SFU already pushed.
// Playback must be started separately; it does not start by itself.
func (r *Room) Subscribe(_ context.Context, uid string, kind core.TrackKind) (core.RemoteTrack, error) {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	rs, ok := r.remotes[uid]
	if !ok {
		return nil, core.ErrNoSuchRemote
	}
	switch kind {
	case core.TrackAudio:
		if rs.audioRT == nil {
			return nil, core.ErrNotPublished
		}
		rs.audio = newRemoteTrack(uid, kind, rs.audioRT)
		return rs.audio, nil
	case core.TrackVideo:
		if rs.videoRT == nil {
			return nil, core.ErrNotPublished
		}
		rs.video = newRemoteTrack(uid, kind, rs.videoRT)
		return rs.video, nil
	}
	return nil, core.ErrNotPublished
}

func (r *Room) Unsubscribe(uid string, kind core.TrackKind) error {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	rs, ok := r.remotes[uid]
	if !ok {
		return core.ErrNoSuchRemote
	}
	switch kind {
	case core.TrackAudio:
		if rs.audio != nil {
			rs.audio.Stop()
			rs.audio = nil
		}
	case core.TrackVideo:
		if rs.video != nil {
			rs.video.Stop()
			rs.video = nil
		}
	}
	return nil
}

// RemoteUsers returns the authoritative list of counterparts and the
// kinds they currently advertise.
func (r *Room) RemoteUsers() []core.RemoteUser {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	out := make([]core.RemoteUser, 0, len(r.remotes))
	for uid, rs := range r.remotes {
		out = append(out, core.RemoteUser{
			UID:      uid,
			HasAudio: rs.audioRT != nil,
			HasVideo: rs.videoRT != nil,
		})
	}
	return out
}

// Leave tears down the connection and releases all remote state. Safe
// to call when not joined.
func (r *Room) Leave() error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	pc, ws := r.pc, r.ws
	r.pc, r.ws = nil, nil
	r.joined = ""
	r.mu.Unlock()

	r.rmu.Lock()
	for uid, rs := range r.remotes {
		if rs.audio != nil {
			rs.audio.Stop()
		}
		if rs.video != nil {
			rs.video.Stop()
		}
		delete(r.remotes, uid)
	}
	r.rmu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	if ws != nil {
		_ = ws.Close()
	}
	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
