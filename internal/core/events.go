package core

import "github.com/mivora/callkit/internal/domain"

// Canonical inbound signaling events. The bridge normalizes every wire
// payload into one of these at the transport boundary, so downstream
// logic never inspects raw frames or guesses at alternative field names.

// IncomingCall describes a ring from a remote caller. It is held as a
// pending descriptor and does not touch the session until answered.
type IncomingCall struct {
	CallID       domain.CallID
	CallerID     domain.UserID
	Type         domain.CallType
	Caller       *domain.UserInfo
	Participants []domain.Participant
}

// RosterUpdate carries the participant list announced by signaling when
// someone joins or is added mid-call. JoinedID is the user the update is
// about; Participants may be empty when the payload was malformed, in
// which case the receiver synthesizes an entry from JoinedID.
type RosterUpdate struct {
	CallID       domain.CallID
	JoinedID     domain.UserID
	Participants []domain.Participant
}

// ParticipantGone announces a voluntary leave of one participant.
type ParticipantGone struct {
	CallID domain.CallID
	UserID domain.UserID
}

// CallEnded announces remote termination of the whole call.
type CallEnded struct {
	CallID domain.CallID
}
