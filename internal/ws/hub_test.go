package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func waitForClients(t *testing.T, hub *EventHub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRoutesByCamera(t *testing.T) {
	hub := NewEventHub(false, zerolog.Nop())
	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()

	all := dial(t, srv, "")
	onlyB := dial(t, srv, "?camera=b")
	waitForClients(t, hub, 2)

	camA := camera.Camera{ID: "a", Status: camera.StatusOnline}
	hub.Broadcast(pipeline.Event{Type: pipeline.EventCameraUpdated, CameraID: "a", Camera: &camA})
	score := risk.Baseline()
	hub.Broadcast(pipeline.Event{Type: pipeline.EventScoreChanged, Score: &score})

	m := readMessage(t, all)
	assert.Equal(t, "camera.updated", m.Type)
	require.NotNil(t, m.Camera)
	assert.Equal(t, camera.StatusOnline, m.Camera.Status)
	assert.Equal(t, "score.changed", readMessage(t, all).Type)

	// the filtered client skips camera a and only sees the site-wide event
	m = readMessage(t, onlyB)
	assert.Equal(t, "score.changed", m.Type)
	require.NotNil(t, m.Score)
	assert.Equal(t, 100, m.Score.Overall)
}

func TestHubEmbedsSnapshots(t *testing.T) {
	hub := NewEventHub(true, zerolog.Nop())
	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()

	conn := dial(t, srv, "?camera=a")
	waitForClients(t, hub, 1)

	d := risk.Detection{ID: "d1", CameraID: "a", Category: risk.CategoryPPE}
	hub.Broadcast(pipeline.Event{Type: pipeline.EventDetectionAdded, CameraID: "a", Detection: &d, Frame: []byte("jpeg")})

	m := readMessage(t, conn)
	assert.Equal(t, "detection.added", m.Type)
	assert.Equal(t, "anBlZw==", m.Snapshot)
	require.NotNil(t, m.Detection)
	assert.Equal(t, "d1", m.Detection.ID)
}

func TestHandlerReplaysInitialState(t *testing.T) {
	hub := NewEventHub(false, zerolog.Nop())
	srv := httptest.NewServer(NewHandler(hub, func(cameraID string) []pipeline.Event {
		cam := camera.Camera{ID: cameraID}
		return []pipeline.Event{{Type: pipeline.EventCameraUpdated, CameraID: cameraID, Camera: &cam}}
	}))
	defer srv.Close()

	conn := dial(t, srv, "?camera=z")
	m := readMessage(t, conn)
	assert.Equal(t, "z", m.CameraID)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub := NewEventHub(false, zerolog.Nop())
	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)
	conn.Close()
	waitForClients(t, hub, 0)
}
