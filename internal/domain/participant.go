package domain

// ParticipantStatus is the join state of a party in the current call.
type ParticipantStatus string

const (
	ParticipantPending ParticipantStatus = "pending"
	ParticipantActive  ParticipantStatus = "active"
	ParticipantLeft    ParticipantStatus = "left"
)

// Participant represents one party known to be in the call.
// Uniqueness within a call is by UserID. No transport or lifecycle
// logic here.
type Participant struct {
	UserID UserID            `json:"userId"`
	Info   *UserInfo         `json:"userInfo,omitempty"`
	Status ParticipantStatus `json:"status"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id UserID, status ParticipantStatus) Participant {
	return Participant{UserID: id, Status: status}
}
