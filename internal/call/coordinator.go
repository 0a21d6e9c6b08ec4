package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

var (
	ErrCallActive  = errors.New("a call is already active")
	ErrNoPending   = errors.New("no pending incoming call")
	ErrStale       = errors.New("call attempt superseded")
	ErrDialLimited = errors.New("too many call attempts to this user")
)

// ProfileFetcher supplies display metadata for participants whose
// signaling payloads omitted it.
type ProfileFetcher interface {
	Fetch(ctx context.Context, uid domain.UserID) (*domain.UserInfo, error)
}

const profileFetchTimeout = 5 * time.Second

// Outbound dial attempts per callee within the sliding window.
const (
	dialLimit  = 3
	dialWindow = 10 * time.Second
)

// Coordinator is the public call API. It composes the session store,
// the signaling bridge, the media manager and the reconciler, and is
// the only surface consumed by the control layer.
//
// States: idle → calling → in-call → idle on the outbound path,
// idle → in-call → idle on the inbound path via AnswerCall.
type Coordinator struct {
	store    *Store
	bridge   *Bridge
	media    *MediaManager
	rec      *Reconciler
	profiles ProfileFetcher
	dials    *dialLimiter

	// gen tags each call attempt. Async continuations re-check it before
	// mutating state so a stale in-flight join cannot outlive a leave.
	gen atomic.Uint64

	mu     sync.Mutex
	selfID domain.UserID
	runCtx context.Context

	incomingMu sync.RWMutex
	incoming   []func(core.IncomingCall)
}

func NewCoordinator(store *Store, bridge *Bridge, media *MediaManager, rec *Reconciler, profiles ProfileFetcher) *Coordinator {
	return &Coordinator{
		store:    store,
		bridge:   bridge,
		media:    media,
		rec:      rec,
		profiles: profiles,
		dials:    newDialLimiter(dialLimit, dialWindow),
		runCtx:   context.Background(),
	}
}

// Start wires the coordinator to the signaling bridge and the media
// room callbacks. ctx bounds all background work (reconciler, profile
// fetches).
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	c.bridge.Start(Handlers{
		Incoming: c.handleIncoming,
		Roster:   c.handleRoster,
		Gone:     c.handleGone,
		Ended:    c.handleEnded,
	})
	c.media.room.OnUserPublished(c.handleUserPublished)
	c.media.room.OnUserUnpublished(c.media.HandleUnpublished)
	c.media.room.OnUserLeft(c.handleMediaUserLeft)
}

// OnIncoming registers a callback fired for each inbound ring. Multiple
// listeners may register.
func (c *Coordinator) OnIncoming(fn func(core.IncomingCall)) {
	c.incomingMu.Lock()
	c.incoming = append(c.incoming, fn)
	c.incomingMu.Unlock()
}

// Status returns the current session snapshot and the pending inbound
// descriptor, if any.
func (c *Coordinator) Status() (Session, *core.IncomingCall) {
	s := c.store.Snapshot()
	if p, ok := c.store.Pending(); ok {
		return s, &p
	}
	return s, nil
}

func (c *Coordinator) alive(g uint64) bool { return c.gen.Load() == g }

func (c *Coordinator) background() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCtx
}

func (c *Coordinator) setSelf(uid domain.UserID) {
	c.mu.Lock()
	c.selfID = uid
	c.mu.Unlock()
}

func (c *Coordinator) self() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// InitializeCall starts an outbound call to peerID: idle → calling.
// It requires a live signaling connection and aborts without touching
// session state when the transport cannot be brought back.
func (c *Coordinator) InitializeCall(ctx context.Context, selfID, peerID domain.UserID, ct domain.CallType) (domain.CallID, error) {
	s := c.store.Snapshot()
	if s.IsInCall || s.IsCalling {
		return "", ErrCallActive
	}
	if !c.dials.allow(peerID) {
		return "", ErrDialLimited
	}
	g := c.gen.Add(1)

	if err := c.bridge.ensureConnected(ctx); err != nil {
		return "", err
	}

	callID := domain.CallID(uuid.NewString())
	if err := c.media.AcquireLocal(ctx, ct); err != nil {
		return "", err
	}
	if !c.alive(g) {
		c.media.LeaveRoom()
		return "", ErrStale
	}

	if err := c.media.JoinRoom(ctx, callID, selfID); err != nil {
		c.media.releaseLocal()
		return "", err
	}
	if err := c.media.PublishLocal(ctx); err != nil {
		c.media.LeaveRoom()
		return "", err
	}
	if !c.alive(g) {
		c.media.LeaveRoom()
		return "", ErrStale
	}

	roster := []domain.Participant{
		domain.NewParticipant(selfID, domain.ParticipantActive),
		domain.NewParticipant(peerID, domain.ParticipantPending),
	}
	if err := c.bridge.EmitOpen(ctx, callID); err != nil {
		c.media.LeaveRoom()
		return "", err
	}
	if err := c.bridge.EmitInit(ctx, callID, selfID, peerID, ct, roster); err != nil {
		c.media.LeaveRoom()
		return "", err
	}

	// Commit only if this attempt is still the current one; a teardown
	// or newer attempt that landed during the emits wins.
	calling := true
	committed := c.store.ApplyWhen(func() bool { return c.alive(g) }, Patch{
		IsCalling:    &calling,
		CallID:       &callID,
		CallType:     &ct,
		Participants: &roster,
	})
	if !committed {
		c.media.LeaveRoom()
		return "", ErrStale
	}
	c.setSelf(selfID)
	// A setup that went through proves the path works; the attempt
	// window only exists to dampen failing retry loops.
	c.dials.reset()

	log.Info().Str("module", "call").Str("call_id", string(callID)).Str("peer", string(peerID)).Str("type", string(ct)).Msg("call initialized")
	return callID, nil
}

// JoinCall enters an existing call: calling|idle → in-call. Any
// previously joined media room is left first. Idempotent with respect
// to roster correctness.
func (c *Coordinator) JoinCall(ctx context.Context, callID domain.CallID, selfID domain.UserID) error {
	return c.joinCall(ctx, callID, selfID, c.store.Snapshot().CallType, nil)
}

// joinCall is the shared join path. staged carries roster entries that
// must only become visible once the join commits; the session is not
// touched until every blocking step has succeeded and this attempt is
// still the current one.
func (c *Coordinator) joinCall(ctx context.Context, callID domain.CallID, selfID domain.UserID, ct domain.CallType, staged []domain.Participant) error {
	g := c.gen.Add(1)

	if ct == domain.CallTypeNone {
		ct = domain.CallTypeAudio
	}

	if err := c.media.AcquireLocal(ctx, ct); err != nil {
		return err
	}
	if err := c.media.JoinRoom(ctx, callID, selfID); err != nil {
		c.media.releaseLocal()
		return err
	}
	if err := c.media.PublishLocal(ctx); err != nil {
		c.media.LeaveRoom()
		return err
	}
	if !c.alive(g) {
		c.media.LeaveRoom()
		return ErrStale
	}

	roster := c.store.Snapshot().Participants
	for _, p := range staged {
		roster = upsertRoster(roster, p)
	}
	roster = upsertRoster(roster, domain.NewParticipant(selfID, domain.ParticipantActive))

	if err := c.bridge.EmitJoin(ctx, callID, selfID, roster); err != nil {
		c.media.LeaveRoom()
		return err
	}

	// EmitJoin can block up to the reconnect bound; re-check under the
	// store lock so a teardown that landed meanwhile keeps the reset.
	inCall, calling := true, false
	committed := c.store.ApplyWhen(func() bool { return c.alive(g) }, Patch{
		IsInCall:     &inCall,
		IsCalling:    &calling,
		CallID:       &callID,
		CallType:     &ct,
		Participants: &roster,
	})
	if !committed {
		c.media.LeaveRoom()
		return ErrStale
	}
	c.store.ClearPending()
	c.setSelf(selfID)
	c.rec.Start(c.background())

	log.Info().Str("module", "call").Str("call_id", string(callID)).Msg("joined call")
	return nil
}

// AnswerCall accepts the pending inbound call: idle → in-call. The
// descriptor's call type and participant list (caller and self entries
// synthesized when the payload omitted them) land on the session only
// when the join commits, so a failed answer leaves it untouched.
func (c *Coordinator) AnswerCall(ctx context.Context, selfID domain.UserID) error {
	pending, ok := c.store.Pending()
	if !ok {
		return ErrNoPending
	}

	staged := upsertRoster(pending.Participants, domain.Participant{
		UserID: pending.CallerID,
		Info:   pending.Caller,
		Status: domain.ParticipantActive,
	})
	return c.joinCall(ctx, pending.CallID, selfID, pending.Type, staged)
}

// RejectCall declines the pending inbound call without joining and
// notifies the caller.
func (c *Coordinator) RejectCall(ctx context.Context, selfID domain.UserID) error {
	pending, ok := c.store.Pending()
	if !ok {
		return ErrNoPending
	}
	if err := c.bridge.EmitReject(ctx, pending.CallID, selfID, pending.CallerID); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call_id", string(pending.CallID)).Msg("reject notice not delivered")
	}
	c.store.ClearPending()
	return nil
}

// LeaveCall is the voluntary leave path: in-call|calling → idle. It
// announces the leave over signaling and tears everything down. Calling
// it while already idle is a no-op with no emit.
func (c *Coordinator) LeaveCall(ctx context.Context) error {
	s := c.store.Snapshot()
	_, hasPending := c.store.Pending()
	if !s.IsInCall && !s.IsCalling && !hasPending {
		return nil
	}

	if s.CallID != "" && (s.IsInCall || s.IsCalling) {
		if err := c.bridge.EmitEnd(ctx, s.CallID, c.self()); err != nil {
			// Teardown proceeds regardless: the local resources must be
			// released even when the farewell cannot be delivered.
			log.Warn().Err(err).Str("module", "call").Str("call_id", string(s.CallID)).Msg("call-end notice not delivered")
		}
	}
	c.teardown()
	return nil
}

// HandleLeaveCall is the remote-initiated teardown path (call-ended
// received). No signaling is emitted.
func (c *Coordinator) HandleLeaveCall() {
	c.teardown()
}

func (c *Coordinator) teardown() {
	c.gen.Add(1)
	c.rec.Stop()
	c.media.LeaveRoom()
	c.store.Reset()
	c.store.ClearPending()
	log.Info().Str("module", "call").Msg("session reset")
}

// ToggleMic flips the local microphone in place. Returns the new
// enabled state.
func (c *Coordinator) ToggleMic() (bool, error) {
	return c.media.ToggleAudio()
}

// ToggleCamera flips the local camera in place. Returns the new enabled
// state.
func (c *Coordinator) ToggleCamera() (bool, error) {
	return c.media.ToggleVideo()
}

// AddParticipant invites another user into the active call. The roster
// update arrives asynchronously via signaling.
func (c *Coordinator) AddParticipant(ctx context.Context, callID domain.CallID, invitee domain.UserID) error {
	return c.bridge.EmitAddParticipant(ctx, callID, invitee)
}

// --- inbound signaling reactions ---

func (c *Coordinator) handleIncoming(ev core.IncomingCall) {
	c.store.SetPending(&ev)
	if ev.Caller == nil {
		c.enrich(ev.CallerID)
	}
	log.Info().Str("module", "call").Str("call_id", string(ev.CallID)).Str("caller", string(ev.CallerID)).Msg("incoming call")

	c.incomingMu.RLock()
	listeners := make([]func(core.IncomingCall), len(c.incoming))
	copy(listeners, c.incoming)
	c.incomingMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (c *Coordinator) handleRoster(ev core.RosterUpdate) {
	s := c.store.Snapshot()
	if s.CallID != "" && ev.CallID != "" && ev.CallID != s.CallID {
		log.Debug().Str("module", "call").Str("call_id", string(ev.CallID)).Msg("roster update for another call, ignored")
		return
	}

	if len(ev.Participants) == 0 {
		// Malformed payload without a roster: synthesize an entry for the
		// joining user so the UI still shows them.
		if ev.JoinedID != "" {
			c.store.UpsertParticipant(domain.NewParticipant(ev.JoinedID, domain.ParticipantActive))
		}
	} else {
		c.store.MergeRoster(ev.Participants)
	}
	if ev.JoinedID != "" {
		c.store.SetParticipantStatus(ev.JoinedID, domain.ParticipantActive)
		c.enrichMissing(ev.JoinedID)
	}

	// Outbound caller side: the callee joining is what moves us from
	// calling to in-call.
	if s.IsCalling {
		inCall, calling := true, false
		c.store.Apply(Patch{IsInCall: &inCall, IsCalling: &calling})
		c.rec.Start(c.background())
		log.Info().Str("module", "call").Str("call_id", string(s.CallID)).Msg("peer joined, call connected")
	}
}

func (c *Coordinator) handleGone(ev core.ParticipantGone) {
	c.store.RemoveParticipant(ev.UserID)
	c.media.HandleUserLeft(string(ev.UserID))
	log.Info().Str("module", "call").Str("user", string(ev.UserID)).Msg("participant left")
}

func (c *Coordinator) handleEnded(ev core.CallEnded) {
	s := c.store.Snapshot()
	if s.CallID != "" && ev.CallID != "" && ev.CallID != s.CallID {
		return
	}
	log.Info().Str("module", "call").Str("call_id", string(ev.CallID)).Msg("call ended by remote")
	c.HandleLeaveCall()
}

// --- media room reactions (primary, event-driven correction path) ---

func (c *Coordinator) handleUserPublished(uid string, kind core.TrackKind) {
	if !c.store.Snapshot().IsInCall {
		return
	}
	g := c.gen.Load()
	ctx, cancel := context.WithTimeout(c.background(), profileFetchTimeout)
	defer cancel()

	if c.store.EnsureParticipant(domain.UserID(uid), domain.ParticipantActive) {
		c.enrich(domain.UserID(uid))
	}
	if !c.alive(g) {
		return
	}
	if err := c.media.SubscribeTo(ctx, uid, kind); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("uid", uid).Str("kind", string(kind)).Msg("subscribe on publish, reconciler will retry")
	}
}

func (c *Coordinator) handleMediaUserLeft(uid string) {
	c.media.HandleUserLeft(uid)
}

// enrich fetches profile metadata for uid in the background and patches
// the roster when it resolves. Best-effort: failures are logged only.
func (c *Coordinator) enrich(uid domain.UserID) {
	if c.profiles == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.background(), profileFetchTimeout)
		defer cancel()
		info, err := c.profiles.Fetch(ctx, uid)
		if err != nil {
			log.Debug().Err(err).Str("module", "call").Str("user", string(uid)).Msg("profile fetch failed")
			return
		}
		// Metadata is keyed by user, not by call attempt, so no staleness
		// guard: the patch resolves against whatever roster exists now.
		c.store.SetParticipantInfo(uid, info)
		c.store.SetPendingCallerInfo(uid, info)
	}()
}

func (c *Coordinator) enrichMissing(uid domain.UserID) {
	for _, p := range c.store.Snapshot().Participants {
		if p.UserID == uid && p.Info == nil {
			c.enrich(uid)
			return
		}
	}
}

func upsertRoster(roster []domain.Participant, p domain.Participant) []domain.Participant {
	for i, q := range roster {
		if q.UserID == p.UserID {
			if p.Info == nil {
				p.Info = q.Info
			}
			roster[i] = p
			return roster
		}
	}
	return append(roster, p)
}
