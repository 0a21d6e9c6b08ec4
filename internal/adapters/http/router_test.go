package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivora/callkit/internal/call"
	"github.com/mivora/callkit/internal/config"
	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

// In-memory stand-ins for the signaling and media adapters, just enough
// to drive the coordinator behind the router.

type stubTransport struct {
	mu        sync.Mutex
	connected bool
	dialErr   error
	events    []string
	handlers  map[string][]func(core.Frame)
}

func newStubTransport() *stubTransport {
	return &stubTransport{connected: true, handlers: make(map[string][]func(core.Frame))}
}

func (s *stubTransport) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTransport) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return s.dialErr
	}
	s.connected = true
	return nil
}

func (s *stubTransport) Emit(event string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return core.ErrNotConnected
	}
	s.events = append(s.events, event)
	return nil
}

func (s *stubTransport) On(event string, h func(core.Frame)) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *stubTransport) Close() {}

func (s *stubTransport) fire(event string, payload any) {
	data, _ := json.Marshal(payload)
	s.mu.Lock()
	handlers := slices.Clone(s.handlers[event])
	s.mu.Unlock()
	for _, h := range handlers {
		h(core.Frame(data))
	}
}

type stubTrack struct {
	kind    core.TrackKind
	mu      sync.Mutex
	enabled bool
}

func (t *stubTrack) ID() string           { return string(t.kind) }
func (t *stubTrack) Kind() core.TrackKind { return t.kind }
func (t *stubTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *stubTrack) SetEnabled(v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
	return nil
}
func (t *stubTrack) Close() error { return nil }

type stubCapturer struct{}

func (stubCapturer) CaptureAudio(context.Context) (core.LocalTrack, error) {
	return &stubTrack{kind: core.TrackAudio, enabled: true}, nil
}

func (stubCapturer) CaptureVideo(context.Context) (core.LocalTrack, error) {
	return &stubTrack{kind: core.TrackVideo, enabled: true}, nil
}

type stubRoom struct {
	mu     sync.Mutex
	joined domain.CallID
}

func (r *stubRoom) Join(_ context.Context, callID domain.CallID, _ domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = callID
	return nil
}

func (r *stubRoom) Leave() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = ""
	return nil
}

func (r *stubRoom) Joined() (domain.CallID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined, r.joined != ""
}

func (r *stubRoom) Publish(context.Context, []core.LocalTrack) error { return nil }

func (r *stubRoom) Subscribe(context.Context, string, core.TrackKind) (core.RemoteTrack, error) {
	return nil, core.ErrNoSuchRemote
}

func (r *stubRoom) Unsubscribe(string, core.TrackKind) error       { return nil }
func (r *stubRoom) RemoteUsers() []core.RemoteUser                 { return nil }
func (r *stubRoom) OnUserPublished(func(string, core.TrackKind))   {}
func (r *stubRoom) OnUserUnpublished(func(string, core.TrackKind)) {}
func (r *stubRoom) OnUserLeft(func(string))                        {}

func newTestRouter(t *testing.T) (*gin.Engine, *stubTransport) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tr := newStubTransport()
	store := call.NewStore()
	bridge := call.NewBridge(tr, 20*time.Millisecond)
	media := call.NewMediaManager(&stubRoom{}, stubCapturer{})
	rec := call.NewReconciler(store, media, time.Hour)
	coord := call.NewCoordinator(store, bridge, media, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(rec.Stop)
	coord.Start(ctx)

	cfg := &config.Config{Mode: "release", Secret: "test-secret", SelfID: "alice"}
	return SetupRouter(cfg, coord), tr
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStatusIdle(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(r, http.MethodGet, "/api/call/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Session call.Session     `json:"session"`
		Pending *json.RawMessage `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Session.IsInCall)
	assert.False(t, resp.Session.IsCalling)
	assert.Nil(t, resp.Pending)
}

func TestInitCall(t *testing.T) {
	r, tr := newTestRouter(t)
	w := doJSON(r, http.MethodPost, "/api/call/init", `{"peerId":"bob","callType":"audio"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CallID)
	assert.Contains(t, tr.events, core.EventCallInit)

	status := doJSON(r, http.MethodGet, "/api/call/status", "")
	var st struct {
		Session call.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &st))
	assert.True(t, st.Session.IsCalling)
}

func TestInitCallBadPayload(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/call/init", `{"peerId":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/api/call/init", `{"peerId":"bob","callType":"hologram"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInitCallWhileActiveConflicts(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(r, http.MethodPost, "/api/call/init", `{"peerId":"bob","callType":"audio"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/api/call/init", `{"peerId":"carol","callType":"audio"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "call_active")
}

func TestInitCallTransportDown(t *testing.T) {
	r, tr := newTestRouter(t)
	tr.mu.Lock()
	tr.connected = false
	tr.dialErr = errors.New("connection refused")
	tr.mu.Unlock()

	w := doJSON(r, http.MethodPost, "/api/call/init", `{"peerId":"bob","callType":"audio"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "call_setup_failed")
}

func TestAnswerWithoutPending(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(r, http.MethodPost, "/api/call/answer", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no_pending_call")
}

func TestAnswerPendingCall(t *testing.T) {
	r, tr := newTestRouter(t)
	tr.fire(core.EventIncomingCall, map[string]any{
		"callId":   "c9",
		"callerId": "carol",
		"callType": "audio",
	})

	w := doJSON(r, http.MethodPost, "/api/call/answer", "")
	require.Equal(t, http.StatusOK, w.Code)

	status := doJSON(r, http.MethodGet, "/api/call/status", "")
	var st struct {
		Session call.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &st))
	assert.True(t, st.Session.IsInCall)
	assert.Equal(t, domain.CallID("c9"), st.Session.CallID)
}

func TestRejectPendingCall(t *testing.T) {
	r, tr := newTestRouter(t)
	tr.fire(core.EventIncomingCall, map[string]any{
		"callId":   "c9",
		"callerId": "carol",
		"callType": "audio",
	})

	w := doJSON(r, http.MethodPost, "/api/call/reject", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, tr.events, core.EventCallReject)

	w = doJSON(r, http.MethodPost, "/api/call/reject", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLeaveIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(r, http.MethodPost, "/api/call/init", `{"peerId":"bob","callType":"audio"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/api/call/leave", "")
	require.Equal(t, http.StatusOK, w.Code)

	// Leaving again when already idle still succeeds.
	w = doJSON(r, http.MethodPost, "/api/call/leave", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestToggleMic(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/call/mic/toggle", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	doJSON(r, http.MethodPost, "/api/call/init", `{"peerId":"bob","callType":"audio"}`)

	w = doJSON(r, http.MethodPost, "/api/call/mic/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
}

func TestAddParticipantRequiresActiveCall(t *testing.T) {
	r, tr := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/call/participants", `{"userId":"dave"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	tr.fire(core.EventIncomingCall, map[string]any{
		"callId":   "c9",
		"callerId": "carol",
		"callType": "audio",
	})
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/api/call/answer", "").Code)

	w = doJSON(r, http.MethodPost, "/api/call/participants", `{"userId":"dave"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, tr.events, core.EventAddParticipant)
}

func TestClientTokenCookieSet(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(r, http.MethodGet, "/api/call/status", "")

	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == "ct" && c.Value != "" {
			found = true
		}
	}
	assert.True(t, found)
}
