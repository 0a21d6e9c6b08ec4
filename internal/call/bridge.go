package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

// Handlers are the coordinator-side reactions to normalized inbound
// signaling events. Nil handlers are skipped.
type Handlers struct {
	Incoming func(core.IncomingCall)
	Roster   func(core.RosterUpdate)
	Gone     func(core.ParticipantGone)
	Ended    func(core.CallEnded)
}

// Bridge translates between the wire shape of signaling events and the
// canonical event types in core. All payload guessing (alternative
// caller-id keys, missing rosters, absent statuses) happens here and
// nowhere else.
type Bridge struct {
	tr            core.SignalTransport
	reconnectWait time.Duration
	h             Handlers
}

func NewBridge(tr core.SignalTransport, reconnectWait time.Duration) *Bridge {
	return &Bridge{tr: tr, reconnectWait: reconnectWait}
}

// Start registers inbound handlers on the transport. Must be called
// before the transport begins reading.
func (b *Bridge) Start(h Handlers) {
	b.h = h
	b.tr.On(core.EventIncomingCall, b.handleIncoming)
	b.tr.On(core.EventParticipantJoin, b.handleRoster)
	b.tr.On(core.EventParticipantAdded, b.handleRoster)
	b.tr.On(core.EventParticipantLeft, b.handleGone)
	b.tr.On(core.EventCallEnded, b.handleEnded)
}

// ensureConnected verifies the transport is live before an outbound
// emit. A dead connection gets one bounded reconnect-and-wait; if that
// fails the requested operation aborts so the user can retry, rather
// than proceeding on a dead channel.
func (b *Bridge) ensureConnected(ctx context.Context) error {
	if b.tr.Connected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.reconnectWait)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = b.reconnectWait
	err := backoff.Retry(func() error {
		return b.tr.Reconnect(ctx)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("signal reconnect: %w", err)
	}
	return nil
}

func (b *Bridge) emit(ctx context.Context, event string, v any) error {
	if err := b.ensureConnected(ctx); err != nil {
		return err
	}
	return b.tr.Emit(event, v)
}

// wireParticipant tolerates both "userId" and "id" for the identifier
// and an absent status.
type wireParticipant struct {
	UserID string           `json:"userId"`
	ID     string           `json:"id"`
	Status string           `json:"status"`
	Info   *domain.UserInfo `json:"userInfo"`
}

func (w wireParticipant) normalize(fallback domain.ParticipantStatus) (domain.Participant, bool) {
	raw := w.UserID
	if raw == "" {
		raw = w.ID
	}
	uid, err := domain.NewUserID(raw)
	if err != nil {
		return domain.Participant{}, false
	}
	status := domain.ParticipantStatus(w.Status)
	switch status {
	case domain.ParticipantPending, domain.ParticipantActive, domain.ParticipantLeft:
	default:
		status = fallback
	}
	return domain.Participant{UserID: uid, Info: w.Info, Status: status}, true
}

func normalizeRoster(in []wireParticipant, fallback domain.ParticipantStatus) []domain.Participant {
	out := make([]domain.Participant, 0, len(in))
	for _, w := range in {
		if p, ok := w.normalize(fallback); ok {
			out = append(out, p)
		}
	}
	return out
}

func (b *Bridge) handleIncoming(f core.Frame) {
	var p struct {
		CallID       string            `json:"callId"`
		CallerID     string            `json:"callerId"`
		From         string            `json:"from"`
		SenderID     string            `json:"senderId"`
		CallType     string            `json:"callType"`
		Sender       *domain.UserInfo  `json:"senderInfo"`
		Participants []wireParticipant `json:"participants"`
	}
	if err := json.Unmarshal(f, &p); err != nil {
		log.Error().Err(err).Str("module", "call.bridge").Msg("bad incoming-call payload")
		return
	}

	// Upstream clients disagree on where the caller id lives.
	caller := p.CallerID
	if caller == "" {
		caller = p.From
	}
	if caller == "" {
		caller = p.SenderID
	}
	callerID, err := domain.NewUserID(caller)
	if err != nil {
		log.Warn().Str("module", "call.bridge").Str("call_id", p.CallID).Msg("incoming-call without caller id")
		return
	}

	ct, err := domain.ParseCallType(p.CallType)
	if err != nil {
		log.Warn().Str("module", "call.bridge").Str("call_type", p.CallType).Msg("incoming-call with unknown type, assuming audio")
		ct = domain.CallTypeAudio
	}

	ev := core.IncomingCall{
		CallID:       domain.CallID(p.CallID),
		CallerID:     callerID,
		Type:         ct,
		Caller:       p.Sender,
		Participants: normalizeRoster(p.Participants, domain.ParticipantActive),
	}
	if b.h.Incoming != nil {
		b.h.Incoming(ev)
	}
}

func (b *Bridge) handleRoster(f core.Frame) {
	var p struct {
		CallID       string            `json:"callId"`
		UserID       string            `json:"userId"`
		Participants []wireParticipant `json:"participants"`
	}
	if err := json.Unmarshal(f, &p); err != nil {
		log.Error().Err(err).Str("module", "call.bridge").Msg("bad roster payload")
		return
	}
	ev := core.RosterUpdate{
		CallID:       domain.CallID(p.CallID),
		JoinedID:     domain.UserID(p.UserID),
		Participants: normalizeRoster(p.Participants, domain.ParticipantActive),
	}
	if b.h.Roster != nil {
		b.h.Roster(ev)
	}
}

func (b *Bridge) handleGone(f core.Frame) {
	var p struct {
		CallID string `json:"callId"`
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(f, &p); err != nil {
		log.Error().Err(err).Str("module", "call.bridge").Msg("bad participant-left payload")
		return
	}
	if p.UserID == "" {
		return
	}
	if b.h.Gone != nil {
		b.h.Gone(core.ParticipantGone{CallID: domain.CallID(p.CallID), UserID: domain.UserID(p.UserID)})
	}
}

func (b *Bridge) handleEnded(f core.Frame) {
	var p struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(f, &p); err != nil {
		log.Error().Err(err).Str("module", "call.bridge").Msg("bad call-ended payload")
		return
	}
	if b.h.Ended != nil {
		b.h.Ended(core.CallEnded{CallID: domain.CallID(p.CallID)})
	}
}

// Outbound emits. Every one of these aborts without side effects when
// the transport cannot be brought back within the reconnect bound.

func (b *Bridge) EmitOpen(ctx context.Context, callID domain.CallID) error {
	return b.emit(ctx, core.EventCallOpen, map[string]any{"callId": callID})
}

func (b *Bridge) EmitInit(ctx context.Context, callID domain.CallID, caller, callee domain.UserID, ct domain.CallType, roster []domain.Participant) error {
	return b.emit(ctx, core.EventCallInit, map[string]any{
		"callId":       callID,
		"callerId":     caller,
		"calleeId":     callee,
		"callType":     ct,
		"participants": roster,
	})
}

func (b *Bridge) EmitJoin(ctx context.Context, callID domain.CallID, self domain.UserID, roster []domain.Participant) error {
	return b.emit(ctx, core.EventCallJoin, map[string]any{
		"callId":       callID,
		"userId":       self,
		"participants": roster,
	})
}

func (b *Bridge) EmitEnd(ctx context.Context, callID domain.CallID, self domain.UserID) error {
	return b.emit(ctx, core.EventCallEnd, map[string]any{
		"callId": callID,
		"userId": self,
	})
}

func (b *Bridge) EmitReject(ctx context.Context, callID domain.CallID, self, caller domain.UserID) error {
	return b.emit(ctx, core.EventCallReject, map[string]any{
		"callId":   callID,
		"userId":   self,
		"targetId": caller,
	})
}

func (b *Bridge) EmitAddParticipant(ctx context.Context, callID domain.CallID, invitee domain.UserID) error {
	return b.emit(ctx, core.EventAddParticipant, map[string]any{
		"callId": callID,
		"userId": invitee,
	})
}
