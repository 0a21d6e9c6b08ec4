// Package call implements the call-session coordinator: one active or
// pending call per client, driven by a signaling transport and a shared
// media room.
package call

import (
	"sync"

	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

// Session is the local client's representation of at most one active or
// pending call. The zero value is the idle state.
type Session struct {
	IsInCall     bool                 `json:"isInCall"`
	IsCalling    bool                 `json:"isCalling"`
	CallID       domain.CallID        `json:"callId,omitempty"`
	CallType     domain.CallType      `json:"callType,omitempty"`
	Participants []domain.Participant `json:"participants,omitempty"`
}

// Patch is a partial Session update. Nil fields are left unchanged.
// Apply does not validate cross-field invariants; the coordinator is
// responsible for keeping them consistent.
type Patch struct {
	IsInCall     *bool
	IsCalling    *bool
	CallID       *domain.CallID
	CallType     *domain.CallType
	Participants *[]domain.Participant
}

// Store is the single source of truth for session fields and the
// participant roster. Transport callbacks, the reconciler and HTTP
// handlers all touch it, so every access goes through the mutex.
type Store struct {
	mu      sync.RWMutex
	s       Session
	pending *core.IncomingCall
}

func NewStore() *Store {
	return &Store{}
}

// Snapshot returns a consistent copy of the current session. The roster
// slice is copied so callers can hold it across further mutations.
func (st *Store) Snapshot() Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.clone()
}

func (s Session) clone() Session {
	out := s
	if s.Participants != nil {
		out.Participants = make([]domain.Participant, len(s.Participants))
		copy(out.Participants, s.Participants)
	}
	return out
}

// Apply merges a partial update.
func (st *Store) Apply(p Patch) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.applyLocked(p)
}

// ApplyWhen merges p only while cond holds. cond is evaluated under the
// store lock, so a concurrent Reset cannot slip between the check and
// the merge. Reports whether the patch was applied.
func (st *Store) ApplyWhen(cond func() bool, p Patch) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !cond() {
		return false
	}
	st.applyLocked(p)
	return true
}

func (st *Store) applyLocked(p Patch) {
	if p.IsInCall != nil {
		st.s.IsInCall = *p.IsInCall
	}
	if p.IsCalling != nil {
		st.s.IsCalling = *p.IsCalling
	}
	if p.CallID != nil {
		st.s.CallID = *p.CallID
	}
	if p.CallType != nil {
		st.s.CallType = *p.CallType
	}
	if p.Participants != nil {
		st.s.Participants = append([]domain.Participant(nil), (*p.Participants)...)
	}
}

// Reset returns all fields to defaults. Used only by leave/teardown.
func (st *Store) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = Session{}
}

// SetPending stores the inbound call descriptor for the control surface
// to present. It does not mutate the session.
func (st *Store) SetPending(ic *core.IncomingCall) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending = ic
}

// Pending returns a copy of the pending inbound descriptor, if any.
func (st *Store) Pending() (core.IncomingCall, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.pending == nil {
		return core.IncomingCall{}, false
	}
	out := *st.pending
	out.Participants = append([]domain.Participant(nil), st.pending.Participants...)
	return out, true
}

// SetPendingCallerInfo patches caller metadata onto the pending inbound
// descriptor when the profile resolves after the ring arrived.
func (st *Store) SetPendingCallerInfo(uid domain.UserID, info *domain.UserInfo) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending != nil && st.pending.CallerID == uid {
		st.pending.Caller = info
	}
}

func (st *Store) ClearPending() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending = nil
}

// UpsertParticipant adds or replaces the roster entry for p.UserID.
func (st *Store) UpsertParticipant(p domain.Participant) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, q := range st.s.Participants {
		if q.UserID == p.UserID {
			if p.Info == nil {
				p.Info = q.Info
			}
			st.s.Participants[i] = p
			return
		}
	}
	st.s.Participants = append(st.s.Participants, p)
}

// EnsureParticipant adds a roster entry for uid if none exists.
// Reports whether an entry was added.
func (st *Store) EnsureParticipant(uid domain.UserID, status domain.ParticipantStatus) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, q := range st.s.Participants {
		if q.UserID == uid {
			return false
		}
	}
	st.s.Participants = append(st.s.Participants, domain.NewParticipant(uid, status))
	return true
}

// MergeRoster upserts every entry of incoming into the roster, keeping
// locally known UserInfo when the incoming entry lacks it. Duplicates in
// incoming collapse to the last occurrence.
func (st *Store) MergeRoster(incoming []domain.Participant) {
	for _, p := range incoming {
		if p.UserID == "" {
			continue
		}
		st.UpsertParticipant(p)
	}
}

func (st *Store) RemoveParticipant(uid domain.UserID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.s.Participants[:0]
	for _, p := range st.s.Participants {
		if p.UserID != uid {
			out = append(out, p)
		}
	}
	st.s.Participants = out
}

func (st *Store) SetParticipantStatus(uid domain.UserID, status domain.ParticipantStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.s.Participants {
		if st.s.Participants[i].UserID == uid {
			st.s.Participants[i].Status = status
			return
		}
	}
}

// SetParticipantInfo patches display metadata onto an existing roster
// entry. A missing entry is ignored: the profile fetch may resolve after
// the participant already left.
func (st *Store) SetParticipantInfo(uid domain.UserID, info *domain.UserInfo) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.s.Participants {
		if st.s.Participants[i].UserID == uid {
			st.s.Participants[i].Info = info
			return
		}
	}
}
