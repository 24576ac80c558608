package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	baseStream
	releases atomic.Int32
	frame    []byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{baseStream: newBaseStream(), frame: []byte("jpeg")}
}

func (s *fakeStream) Frame(ctx context.Context) ([]byte, error) {
	if s.released() {
		return nil, errStreamReleased
	}
	return s.frame, nil
}

func (s *fakeStream) Release() {
	s.releases.Add(1)
	s.baseStream.Release()
}

// terminate simulates the device going away.
func (s *fakeStream) terminate() { s.baseStream.Release() }

type fakeAcquirer struct {
	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{}
	streams []*fakeStream
}

func (a *fakeAcquirer) Acquire(ctx context.Context, cam Camera) (Stream, error) {
	a.mu.Lock()
	a.calls++
	gate := a.gate
	err := a.err
	a.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	s := newFakeStream()
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
	return s, nil
}

func (a *fakeAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recorder struct {
	mu     sync.Mutex
	events []Camera
}

func (r *recorder) record(c Camera) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, c)
}

func (r *recorder) statuses(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, c := range r.events {
		if c.ID == id {
			out = append(out, c.Status)
		}
	}
	return out
}

func newTestManager(t *testing.T, acq *fakeAcquirer, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	base := []Option{
		WithAcquirer(acq),
		WithNetworkStreams(func(Camera) Stream { return newFakeStream() }),
	}
	m := NewManager(append(base, opts...)...)
	rec := &recorder{}
	m.SetNotifier(rec.record)
	return m, rec
}

func addLocal(t *testing.T, m *Manager, id string) Camera {
	t.Helper()
	c, err := m.Add(Camera{ID: id, Name: "cam " + id, ConnectionType: ConnectionLocal, Device: "/dev/video-" + id})
	require.NoError(t, err)
	return c
}

func addNetwork(t *testing.T, m *Manager, id string) Camera {
	t.Helper()
	c, err := m.Add(Camera{ID: id, Name: "cam " + id, ConnectionType: ConnectionNetwork, StreamURL: "rtsp://example/" + id})
	require.NoError(t, err)
	return c
}

func TestAddValidates(t *testing.T) {
	m, _ := newTestManager(t, &fakeAcquirer{})

	_, err := m.Add(Camera{Name: "gate", ConnectionType: ConnectionLocal})
	assert.Error(t, err)

	_, err = m.Add(Camera{Name: "gate", ConnectionType: "usb", Device: "/dev/video0"})
	assert.Error(t, err)

	_, err = m.Add(Camera{Name: "gate", ConnectionType: ConnectionLocal, Device: "/dev/video0", Resolution: "wide"})
	assert.Error(t, err)

	c, err := m.Add(Camera{Name: "gate", ConnectionType: ConnectionLocal, Device: "/dev/video0", Status: StatusOnline, Active: true, RiskScore: 40})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StatusOffline, c.Status)
	assert.False(t, c.Active)
	assert.Zero(t, c.RiskScore)

	_, err = m.Add(Camera{ID: c.ID, Name: "dup", ConnectionType: ConnectionLocal, Device: "/dev/video1"})
	assert.Error(t, err)
}

func TestStartNetworkGoesDirectlyOnline(t *testing.T) {
	acq := &fakeAcquirer{}
	m, rec := newTestManager(t, acq)
	addNetwork(t, m, "n1")

	require.NoError(t, m.Start(context.Background(), "n1"))

	c, err := m.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, c.Status)
	assert.True(t, c.Active)
	assert.Zero(t, acq.callCount())
	assert.Equal(t, []Status{StatusOffline, StatusOnline}, rec.statuses("n1"))
}

func TestStartLocalTransitions(t *testing.T) {
	acq := &fakeAcquirer{}
	m, rec := newTestManager(t, acq)
	addLocal(t, m, "l1")

	require.NoError(t, m.Start(context.Background(), "l1"))

	c, _ := m.Get("l1")
	assert.Equal(t, StatusOnline, c.Status)
	assert.True(t, c.Active)
	assert.Equal(t, []Status{StatusOffline, StatusConnecting, StatusOnline}, rec.statuses("l1"))

	frame, err := m.Frame(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), frame)
}

func TestStartIsIdempotent(t *testing.T) {
	acq := &fakeAcquirer{}
	m, _ := newTestManager(t, acq)
	addLocal(t, m, "l1")

	require.NoError(t, m.Start(context.Background(), "l1"))
	require.NoError(t, m.Start(context.Background(), "l1"))

	assert.Equal(t, 1, acq.callCount())
	assert.Equal(t, 1, m.ActiveCount())
}

func TestConcurrentStartsAcquireOnce(t *testing.T) {
	acq := &fakeAcquirer{gate: make(chan struct{})}
	m, _ := newTestManager(t, acq)
	addLocal(t, m, "l1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Start(context.Background(), "l1")
		}()
	}

	require.Eventually(t, func() bool { return acq.callCount() == 1 }, time.Second, time.Millisecond)
	close(acq.gate)
	wg.Wait()

	assert.Equal(t, 1, acq.callCount())
	assert.Equal(t, 1, m.ActiveCount())
	c, _ := m.Get("l1")
	assert.Equal(t, StatusOnline, c.Status)
}

func TestAcquisitionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"device missing", fmt.Errorf("/dev/video9: %w", ErrDeviceNotFound), StatusNoHardware},
		{"constraints", fmt.Errorf("1920x1080: %w", ErrConstraintsUnsatisfiable), StatusNoHardware},
		{"transient", errors.New("device busy"), StatusOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acq := &fakeAcquirer{err: tt.err}
			m, _ := newTestManager(t, acq)
			addLocal(t, m, "l1")

			err := m.Start(context.Background(), "l1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			c, _ := m.Get("l1")
			assert.Equal(t, tt.want, c.Status)
			assert.False(t, c.Active)
			assert.Zero(t, m.ActiveCount())
		})
	}
}

func TestNoHardwareIsSticky(t *testing.T) {
	acq := &fakeAcquirer{err: ErrDeviceNotFound}
	m, _ := newTestManager(t, acq)
	addLocal(t, m, "l1")

	require.Error(t, m.Start(context.Background(), "l1"))

	acq.mu.Lock()
	acq.err = nil
	acq.mu.Unlock()

	assert.ErrorIs(t, m.Start(context.Background(), "l1"), ErrNoHardware)
	assert.Equal(t, 1, acq.callCount())

	require.NoError(t, m.Stop("l1"))
	c, _ := m.Get("l1")
	assert.Equal(t, StatusNoHardware, c.Status)

	c, err := m.Update("l1", Camera{Device: "/dev/video2"})
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, c.Status)

	require.NoError(t, m.Start(context.Background(), "l1"))
	c, _ = m.Get("l1")
	assert.Equal(t, StatusOnline, c.Status)
}

func TestStopReleasesOnce(t *testing.T) {
	acq := &fakeAcquirer{}
	m, _ := newTestManager(t, acq)
	addLocal(t, m, "l1")
	require.NoError(t, m.Start(context.Background(), "l1"))

	require.NoError(t, m.Stop("l1"))
	require.NoError(t, m.Stop("l1"))
	m.StopAll()

	c, _ := m.Get("l1")
	assert.Equal(t, StatusOffline, c.Status)
	assert.False(t, c.Active)
	assert.Zero(t, m.ActiveCount())
	require.Len(t, acq.streams, 1)
	assert.Equal(t, int32(1), acq.streams[0].releases.Load())

	_, err := m.Frame(context.Background(), "l1")
	assert.ErrorIs(t, err, ErrNotLive)
}

func TestStopDuringAcquisitionDiscardsStream(t *testing.T) {
	acq := &fakeAcquirer{gate: make(chan struct{})}
	m, _ := newTestManager(t, acq)
	addLocal(t, m, "l1")

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), "l1") }()

	require.Eventually(t, func() bool {
		c, _ := m.Get("l1")
		return c.Status == StatusConnecting
	}, time.Second, time.Millisecond)

	c, _ := m.Get("l1")
	assert.True(t, c.Active, "connecting camera holds its slot")

	require.NoError(t, m.Stop("l1"))
	close(acq.gate)
	require.NoError(t, <-done)

	c, _ = m.Get("l1")
	assert.Equal(t, StatusOffline, c.Status)
	assert.False(t, c.Active)
	assert.Zero(t, m.ActiveCount())
	require.Len(t, acq.streams, 1)
	assert.Equal(t, int32(1), acq.streams[0].releases.Load())
}

func TestStreamTerminationGoesOffline(t *testing.T) {
	acq := &fakeAcquirer{}
	m, rec := newTestManager(t, acq)
	addLocal(t, m, "l1")
	require.NoError(t, m.Start(context.Background(), "l1"))

	acq.streams[0].terminate()

	require.Eventually(t, func() bool {
		c, _ := m.Get("l1")
		return c.Status == StatusOffline && !c.Active
	}, time.Second, time.Millisecond)
	assert.Zero(t, m.ActiveCount())
	assert.Equal(t, StatusOffline, rec.statuses("l1")[len(rec.statuses("l1"))-1])
}

func TestNetworkGrabFailuresGoOffline(t *testing.T) {
	refused := grabFunc(func(context.Context, string, bool, string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})
	m, rec := newTestManager(t, &fakeAcquirer{}, WithNetworkStreams(NetworkStreams(refused)))
	addNetwork(t, m, "n1")
	require.NoError(t, m.Start(context.Background(), "n1"))

	for i := 0; i < maxGrabFailures; i++ {
		_, err := m.Frame(context.Background(), "n1")
		require.Error(t, err)
	}

	require.Eventually(t, func() bool {
		c, _ := m.Get("n1")
		return c.Status == StatusOffline && !c.Active
	}, time.Second, time.Millisecond)
	assert.Zero(t, m.ActiveCount())
	assert.Equal(t, []Status{StatusOffline, StatusOnline, StatusOffline}, rec.statuses("n1"))

	_, err := m.Frame(context.Background(), "n1")
	assert.ErrorIs(t, err, ErrNotLive)
}

func TestCapacityBulkStart(t *testing.T) {
	m, _ := newTestManager(t, &fakeAcquirer{}, WithMaxActive(9))
	for i := 0; i < 10; i++ {
		addNetwork(t, m, fmt.Sprintf("n%d", i))
	}

	require.NoError(t, m.StartAll(context.Background(), nil))

	online, offline := 0, 0
	for _, c := range m.List() {
		switch {
		case c.Active && c.Status == StatusOnline:
			online++
		case !c.Active && c.Status == StatusOffline:
			offline++
		}
	}
	assert.Equal(t, 9, online)
	assert.Equal(t, 1, offline)
	assert.Equal(t, 9, m.ActiveCount())
}

func TestCapacityRefusalLeavesRecord(t *testing.T) {
	m, rec := newTestManager(t, &fakeAcquirer{}, WithMaxActive(1))
	addNetwork(t, m, "a")
	addNetwork(t, m, "b")

	require.NoError(t, m.Start(context.Background(), "a"))
	assert.ErrorIs(t, m.Start(context.Background(), "b"), ErrCapacityReached)

	c, _ := m.Get("b")
	assert.Equal(t, StatusOffline, c.Status)
	assert.Equal(t, []Status{StatusOffline}, rec.statuses("b"))

	require.NoError(t, m.Stop("a"))
	require.NoError(t, m.Start(context.Background(), "b"))
}

func TestBulkStartStopConcurrently(t *testing.T) {
	m, _ := newTestManager(t, &fakeAcquirer{}, WithMaxActive(5))
	for i := 0; i < 12; i++ {
		if i%2 == 0 {
			addNetwork(t, m, fmt.Sprintf("c%d", i))
		} else {
			addLocal(t, m, fmt.Sprintf("c%d", i))
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.StartAll(context.Background(), nil)
		}()
		go func() {
			defer wg.Done()
			m.StopAll()
		}()
	}
	wg.Wait()

	active := 0
	for _, c := range m.List() {
		if c.Active {
			active++
			assert.Contains(t, []Status{StatusOnline, StatusConnecting}, c.Status)
		}
	}
	assert.LessOrEqual(t, active, 5)
	assert.Equal(t, active, m.ActiveCount())
}

func TestStartAllPredicate(t *testing.T) {
	m, _ := newTestManager(t, &fakeAcquirer{})
	addNetwork(t, m, "n1")
	addLocal(t, m, "l1")

	require.NoError(t, m.StartAll(context.Background(), func(c Camera) bool {
		return c.ConnectionType == ConnectionNetwork
	}))

	n, _ := m.Get("n1")
	l, _ := m.Get("l1")
	assert.True(t, n.Active)
	assert.False(t, l.Active)
}

func TestRemoveReleasesStream(t *testing.T) {
	acq := &fakeAcquirer{}
	m, _ := newTestManager(t, acq)
	addLocal(t, m, "l1")
	require.NoError(t, m.Start(context.Background(), "l1"))

	require.NoError(t, m.Remove("l1"))
	assert.ErrorIs(t, m.Remove("l1"), ErrNotFound)
	assert.Zero(t, m.ActiveCount())
	assert.Equal(t, int32(1), acq.streams[0].releases.Load())
	assert.Empty(t, m.List())
}

func TestRiskUpdatesClamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &fakeAcquirer{})
	addNetwork(t, m, "n1")
	addNetwork(t, m, "n2")

	c, ok := m.UpdateRisk("n1", 80, now)
	require.True(t, ok)
	assert.Equal(t, 80, c.RiskScore)
	require.NotNil(t, c.LastDetectionAt)
	assert.Equal(t, now, *c.LastDetectionAt)

	c, _ = m.UpdateRisk("n1", 50, now)
	assert.Equal(t, 100, c.RiskScore)

	_, ok = m.UpdateRisk("missing", 10, now)
	assert.False(t, ok)

	assert.True(t, m.HasRisk())
	changed := m.DecayRisk(60)
	require.Len(t, changed, 1)
	assert.Equal(t, 40, changed[0].RiskScore)

	changed = m.DecayRisk(60)
	require.Len(t, changed, 1)
	assert.Zero(t, changed[0].RiskScore)
	assert.False(t, m.HasRisk())
	assert.Empty(t, m.DecayRisk(2))
}

func TestRestoreResetsLifecycle(t *testing.T) {
	m, _ := newTestManager(t, &fakeAcquirer{})
	ts := time.Now().UTC()

	m.Restore([]Camera{
		{ID: "a", Name: "A", ConnectionType: ConnectionNetwork, StreamURL: "rtsp://a", Status: StatusOnline, Active: true, RiskScore: 30, LastDetectionAt: &ts},
		{ID: "b", Name: "B", ConnectionType: ConnectionLocal, Device: "/dev/video0", Status: StatusNoHardware},
		{ID: "a", Name: "dup"},
	})

	cams := m.List()
	require.Len(t, cams, 2)
	for _, c := range cams {
		assert.Equal(t, StatusOffline, c.Status)
		assert.False(t, c.Active)
	}
	assert.Equal(t, 30, cams[0].RiskScore)
	assert.Zero(t, m.ActiveCount())
}
