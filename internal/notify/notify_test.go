package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{topic, qos, retained, payload})
	return nil
}

func TestMQTTPublisherTopics(t *testing.T) {
	pub := &fakePublisher{}
	p := NewMQTTPublisher(pub, "site/", zerolog.Nop())

	cam := camera.Camera{ID: "a", Name: "Dock", Status: camera.StatusOnline, RiskScore: 20}
	score := risk.SafetyScore{Overall: 95, PPE: 90, Behavior: 100, Environment: 100}

	require.NoError(t, p.Handle(pipeline.Event{Type: pipeline.EventCameraUpdated, CameraID: "a", Camera: &cam}))
	require.NoError(t, p.Handle(pipeline.Event{Type: pipeline.EventScoreChanged, Score: &score}))
	require.NoError(t, p.Handle(pipeline.Event{Type: pipeline.EventCameraRemoved, CameraID: "a"}))

	topics := make([]string, 0, len(pub.msgs))
	for _, m := range pub.msgs {
		topics = append(topics, m.topic)
	}
	assert.Equal(t, []string{
		"site/events/camera.updated",
		"site/cameras/a/status",
		"site/events/score.changed",
		"site/safety",
		"site/events/camera.removed",
		"site/cameras/a/status",
	}, topics)

	assert.False(t, pub.msgs[0].retained)
	assert.True(t, pub.msgs[1].retained)

	var gotCam camera.Camera
	require.NoError(t, json.Unmarshal(pub.msgs[1].payload, &gotCam))
	assert.Equal(t, 20, gotCam.RiskScore)

	var gotScore risk.SafetyScore
	require.NoError(t, json.Unmarshal(pub.msgs[3].payload, &gotScore))
	assert.Equal(t, score, gotScore)

	assert.Empty(t, pub.msgs[5].payload)
}

func TestMQTTPublisherRunSurvivesErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	p := NewMQTTPublisher(pub, "site", zerolog.Nop())

	events := make(chan pipeline.Event, 2)
	events <- pipeline.Event{Type: pipeline.EventDetectionsCleared}
	events <- pipeline.Event{Type: pipeline.EventDetectionsCleared}
	close(events)

	p.Run(context.Background(), events)
	assert.Empty(t, pub.msgs)
}

type fakeImageStore struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (f *fakeImageStore) SaveSnapshot(_ context.Context, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objs == nil {
		f.objs = map[string][]byte{}
	}
	f.objs[key] = data
	return "http://store/" + key, nil
}

func TestArchiverStoresDetectionFrames(t *testing.T) {
	store := &fakeImageStore{}
	var stored []string
	a := NewArchiver(store, func(_ context.Context, d risk.Detection, key, location string) error {
		stored = append(stored, d.ID+"|"+key+"|"+location)
		return nil
	}, zerolog.Nop())

	d := risk.Detection{ID: "d1", CameraID: "cam-a", Timestamp: time.Date(2026, 6, 1, 23, 59, 0, 0, time.UTC)}
	noFrame := risk.Detection{ID: "d2", CameraID: "cam-a", Timestamp: d.Timestamp}

	events := make(chan pipeline.Event, 3)
	events <- pipeline.Event{Type: pipeline.EventDetectionAdded, Detection: &d, Frame: []byte("jpeg")}
	events <- pipeline.Event{Type: pipeline.EventDetectionAdded, Detection: &noFrame}
	events <- pipeline.Event{Type: pipeline.EventScoreChanged}
	close(events)

	a.Run(context.Background(), events)

	assert.Equal(t, "cam-a/2026/06/01/d1.jpg", SnapshotKey(d))
	assert.Equal(t, []byte("jpeg"), store.objs["cam-a/2026/06/01/d1.jpg"])
	assert.Len(t, store.objs, 1)
	assert.Equal(t, []string{"d1|cam-a/2026/06/01/d1.jpg|http://store/cam-a/2026/06/01/d1.jpg"}, stored)
}

func TestMinioStoreRequiresCredentials(t *testing.T) {
	_, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000", Bucket: "b"})
	assert.Error(t, err)
}
