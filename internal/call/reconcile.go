package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

// Reconciler compensates for the race between the signaling channel and
// the media room: the two are independent event streams with no mutual
// ordering, so local state is periodically diffed against the room's
// authoritative remote-user list and repaired.
//
// Event-driven correction (user-published callbacks) is the primary
// path; this loop is the low-frequency safety net for missed events.
type Reconciler struct {
	store    *Store
	media    *MediaManager
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewReconciler(store *Store, media *MediaManager, interval time.Duration) *Reconciler {
	return &Reconciler{store: store, media: media, interval: interval}
}

// Start launches the repair loop. A second Start while running is a
// no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(ctx)
}

// Stop cancels the repair loop. Called on leave and call-ended so no
// timer outlives the call.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	logger := log.With().Str("module", "call.reconcile").Logger()
	logger.Debug().Dur("interval", r.interval).Msg("repair loop started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("repair loop stopped")
			return
		case <-ticker.C:
			r.Tick(ctx, &logger)
		}
	}
}

// Tick runs one reconciliation pass. Each corrective action is tried
// once and logged; nothing retries in a tight loop — the next tick
// simply re-evaluates.
func (r *Reconciler) Tick(ctx context.Context, logger *zerolog.Logger) {
	if !r.store.Snapshot().IsInCall {
		return
	}

	for _, u := range r.media.room.RemoteUsers() {
		h, known := r.media.handle(u.UID)

		// Roster may lag behind the media room when the signaling event
		// was missed; synthesize the participant from the media uid.
		if r.store.EnsureParticipant(domain.UserID(u.UID), domain.ParticipantActive) {
			logger.Info().Str("uid", u.UID).Msg("synthesized participant from media room")
		}

		if !known {
			r.adopt(ctx, u, logger)
			continue
		}
		r.repairTracks(ctx, u, h, logger)
	}
}

// adopt subscribes to every advertised kind of a remote user that has
// no local handle yet.
func (r *Reconciler) adopt(ctx context.Context, u core.RemoteUser, logger *zerolog.Logger) {
	logger.Info().Str("uid", u.UID).Bool("audio", u.HasAudio).Bool("video", u.HasVideo).Msg("adopting unseen remote user")
	if u.HasAudio {
		if err := r.media.SubscribeTo(ctx, u.UID, core.TrackAudio); err != nil {
			logger.Warn().Err(err).Str("uid", u.UID).Msg("adopt audio")
		}
	}
	if u.HasVideo {
		if err := r.media.SubscribeTo(ctx, u.UID, core.TrackVideo); err != nil {
			logger.Warn().Err(err).Str("uid", u.UID).Msg("adopt video")
		}
	}
}

func (r *Reconciler) repairTracks(ctx context.Context, u core.RemoteUser, h *remoteHandle, logger *zerolog.Logger) {
	r.media.mu.Lock()
	audio, video := h.audio, h.video
	r.media.mu.Unlock()

	if u.HasAudio && audio == nil {
		if err := r.media.Resubscribe(ctx, u.UID, core.TrackAudio); err != nil {
			logger.Warn().Err(err).Str("uid", u.UID).Msg("resubscribe audio")
		}
		return
	}
	if u.HasVideo && video == nil {
		if err := r.media.Resubscribe(ctx, u.UID, core.TrackVideo); err != nil {
			logger.Warn().Err(err).Str("uid", u.UID).Msg("resubscribe video")
		}
	}

	// Subscribed audio that is not audibly playing: try to start it, and
	// if that fails cycle the subscription once before trying again.
	if audio != nil && !audio.Playing() {
		if err := audio.Play(); err == nil {
			logger.Info().Str("uid", u.UID).Msg("restarted audio playback")
			return
		}
		if err := r.media.Resubscribe(ctx, u.UID, core.TrackAudio); err != nil {
			logger.Warn().Err(err).Str("uid", u.UID).Msg("cycle audio subscription")
		}
	}
}
