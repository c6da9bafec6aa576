package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/geometry"
	"github.com/AvatarWorld/deepdive/internal/refine"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	reg := device.NewRegistry()
	reg.AddLighthouse(&device.Lighthouse{Serial: "LHB-1", Pose: geometry.Identity()})
	r := refine.NewRefiner(reg, refine.DefaultRefineConfig())
	s := NewServer(reg, r, func() FilterStatus {
		return FilterStatus{Fused: true, Mode: "full"}
	}, NewHub())
	mux := http.NewServeMux()
	s.Routes(mux)
	return s, mux
}

func TestStatusEndpoint(t *testing.T) {
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "idle", resp.State)
	assert.Equal(t, 1, resp.Lighthouses)
	assert.Equal(t, "LHB-1", resp.Master)
	require.NotNil(t, resp.Filter)
	assert.True(t, resp.Filter.Fused)
}

func TestStatusRejectsPost(t *testing.T) {
	_, mux := newTestServer(t)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTriggerTogglesRecording(t *testing.T) {
	_, mux := newTestServer(t)

	// First trigger starts recording.
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/trigger", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp TriggerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "accumulating", resp.State)

	// Second trigger stops and solves; with no data the solve fails but
	// the refiner returns to idle.
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/trigger", nil))
	require.Equal(t, http.StatusConflict, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "idle", resp.State)
}

func TestTriggerRejectsGet(t *testing.T) {
	_, mux := newTestServer(t)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/trigger", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPoseBroadcast(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, hub.Clients())

	sent := PoseUpdate{
		Time:        time.Unix(1234, 0).UTC(),
		Frame:       "body",
		Position:    [3]float64{1, 2, 3},
		Orientation: [4]float64{1, 0, 0, 0},
	}
	hub.Broadcast(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got PoseUpdate
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent.Frame, got.Frame)
	assert.Equal(t, sent.Position, got.Position)
	assert.Equal(t, sent.Orientation, got.Orientation)
}
