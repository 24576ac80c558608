package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/camera"
)

func newRegistry(t *testing.T, names ...string) (*camera.Manager, []string) {
	t.Helper()
	m := camera.NewManager()
	var out []string
	for _, n := range names {
		c, err := m.Add(camera.Camera{Name: n, ConnectionType: camera.ConnectionNetwork, StreamURL: "rtsp://" + n})
		require.NoError(t, err)
		out = append(out, c.ID)
	}
	return m, out
}

func TestApplyRaisesRiskAndLowersSafety(t *testing.T) {
	reg, camIDs := newRegistry(t, "dock")
	e := NewEngine(reg, DefaultPolicy())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cam, score, ok := e.Apply(Detection{CameraID: camIDs[0], Severity: SeverityHigh, Dimension: DimensionPPE, Timestamp: at})
	require.True(t, ok)
	assert.Equal(t, 20, cam.RiskScore)
	require.NotNil(t, cam.LastDetectionAt)
	assert.Equal(t, at, *cam.LastDetectionAt)
	assert.Equal(t, SafetyScore{Overall: 96, PPE: 96, Behavior: 100, Environment: 100}, score)
}

func TestApplyUnknownCameraChangesNothing(t *testing.T) {
	reg, _ := newRegistry(t)
	e := NewEngine(reg, DefaultPolicy())

	_, score, ok := e.Apply(Detection{CameraID: "gone", Severity: SeverityCritical, Dimension: DimensionEnvironment})
	assert.False(t, ok)
	assert.True(t, score.AtBaseline())
}

func TestDecaySkippedAtBaseline(t *testing.T) {
	reg, _ := newRegistry(t, "a")
	e := NewEngine(reg, DefaultPolicy())

	cams, _, changed := e.Decay()
	assert.False(t, changed)
	assert.Empty(t, cams)
}

func TestDecayConvergesMonotonically(t *testing.T) {
	reg, camIDs := newRegistry(t, "a", "b")
	e := NewEngine(reg, DefaultPolicy())

	e.Apply(Detection{CameraID: camIDs[0], Severity: SeverityCritical, Dimension: DimensionEnvironment})
	e.Apply(Detection{CameraID: camIDs[0], Severity: SeverityCritical, Dimension: DimensionEnvironment})
	e.Apply(Detection{CameraID: camIDs[1], Severity: SeverityLow, Dimension: DimensionBehavior})

	prevRisk := map[string]int{}
	for _, c := range reg.List() {
		prevRisk[c.ID] = c.RiskScore
	}
	prev := e.Score()

	for tick := 0; tick < 200; tick++ {
		e.Decay()
		for _, c := range reg.List() {
			assert.LessOrEqual(t, c.RiskScore, prevRisk[c.ID])
			assert.GreaterOrEqual(t, c.RiskScore, 0)
			prevRisk[c.ID] = c.RiskScore
		}
		s := e.Score()
		assert.GreaterOrEqual(t, s.Overall, prev.Overall)
		assert.GreaterOrEqual(t, s.PPE, prev.PPE)
		assert.GreaterOrEqual(t, s.Behavior, prev.Behavior)
		assert.GreaterOrEqual(t, s.Environment, prev.Environment)
		assert.LessOrEqual(t, s.Overall, 100)
		prev = s
	}

	for _, c := range reg.List() {
		assert.Zero(t, c.RiskScore)
	}
	assert.True(t, e.Score().AtBaseline())
	_, _, changed := e.Decay()
	assert.False(t, changed)
}

func TestScoresStayClamped(t *testing.T) {
	reg, camIDs := newRegistry(t, "a", "b", "c")
	e := NewEngine(reg, DefaultPolicy())
	severities := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	dims := []Dimension{DimensionPPE, DimensionBehavior, DimensionEnvironment}
	rng := rand.New(rand.NewSource(7))

	inRange := func(v int) bool { return v >= 0 && v <= 100 }
	for i := 0; i < 2000; i++ {
		if rng.Intn(3) == 0 {
			e.Decay()
		} else {
			e.Apply(Detection{
				CameraID:  camIDs[rng.Intn(len(camIDs))],
				Severity:  severities[rng.Intn(len(severities))],
				Dimension: dims[rng.Intn(len(dims))],
			})
		}
		s := e.Score()
		require.True(t, inRange(s.Overall) && inRange(s.PPE) && inRange(s.Behavior) && inRange(s.Environment), "score out of range: %+v", s)
		for _, c := range reg.List() {
			require.True(t, inRange(c.RiskScore), "risk out of range: %d", c.RiskScore)
		}
	}
}

func TestResetAndRestore(t *testing.T) {
	reg, camIDs := newRegistry(t, "a")
	e := NewEngine(reg, DefaultPolicy())
	e.Apply(Detection{CameraID: camIDs[0], Severity: SeverityCritical, Dimension: DimensionPPE})
	require.False(t, e.Score().AtBaseline())

	assert.True(t, e.Reset().AtBaseline())

	e.Restore(SafetyScore{Overall: 140, PPE: -3, Behavior: 50, Environment: 90})
	assert.Equal(t, SafetyScore{Overall: 100, PPE: 0, Behavior: 50, Environment: 90}, e.Score())
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Zero(t, Severity("bogus").Rank())
}
