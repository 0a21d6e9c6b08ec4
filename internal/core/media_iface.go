package core

import (
	"context"
	"errors"

	"github.com/mivora/callkit/internal/domain"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

var (
	ErrNoSuchRemote  = errors.New("no such remote user")
	ErrNotPublished  = errors.New("remote user has not published this kind")
	ErrRoomNotJoined = errors.New("media room not joined")
)

// LocalTrack is a captured device track owned by the local session.
// Ownership is exclusive: it is never shared or handed to another
// component, and Close releases the capture device.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	// SetEnabled pauses or resumes sending without releasing the device.
	SetEnabled(enabled bool) error
	Enabled() bool
	Close() error
}

// LocalTracks holds the local capture handles. Either may be nil
// (audio-only call, or camera capture failed).
type LocalTracks struct {
	Audio LocalTrack
	Video LocalTrack
}

// RemoteTrack is a subscribed counterpart track. Playback does not start
// automatically; audio must be played explicitly after subscribing.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	Play() error
	Playing() bool
	Stop()
}

// RemoteUser is the media room's authoritative view of one counterpart
// and the kinds it currently advertises.
type RemoteUser struct {
	UID      string
	HasAudio bool
	HasVideo bool
}

// DeviceCapturer acquires local capture tracks. Each capture is
// independently fallible.
type DeviceCapturer interface {
	CaptureAudio(ctx context.Context) (LocalTrack, error)
	CaptureVideo(ctx context.Context) (LocalTrack, error)
}

// MediaRoom abstracts the shared media session. A single room is joined
// at a time; Join to a second room requires leaving the first.
//
// RemoteUsers and the On* callbacks travel on a separate channel from
// signaling — no ordering is guaranteed between the two.
type MediaRoom interface {
	Join(ctx context.Context, roomID domain.CallID, uid domain.UserID) error
	Leave() error
	// Joined returns the currently joined room, if any.
	Joined() (domain.CallID, bool)

	Publish(ctx context.Context, tracks []LocalTrack) error
	Subscribe(ctx context.Context, uid string, kind TrackKind) (RemoteTrack, error)
	Unsubscribe(uid string, kind TrackKind) error

	RemoteUsers() []RemoteUser

	OnUserPublished(func(uid string, kind TrackKind))
	OnUserUnpublished(func(uid string, kind TrackKind))
	OnUserLeft(func(uid string))
}
