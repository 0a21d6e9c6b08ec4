package domain

import "errors"

type CallID string

type CallType string

const (
	CallTypeNone  CallType = ""
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

var ErrUnknownCallType = errors.New("unknown call type")

// ParseCallType maps a wire value to a CallType. Unknown values are an
// error rather than a silent audio default.
func ParseCallType(raw string) (CallType, error) {
	switch CallType(raw) {
	case CallTypeAudio:
		return CallTypeAudio, nil
	case CallTypeVideo:
		return CallTypeVideo, nil
	default:
		return CallTypeNone, ErrUnknownCallType
	}
}

func (t CallType) IsVideo() bool { return t == CallTypeVideo }
