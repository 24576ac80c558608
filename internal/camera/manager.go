package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// entry is the registry-owned state behind a Camera snapshot
type entry struct {
	cam    Camera
	stream Stream
	// gen changes on every transition that invalidates in-flight work
	gen uint64
}

// Manager is the camera registry. It owns every camera record and the
// capture resources attached to them, and enforces the active-stream cap.
type Manager struct {
	mu        sync.Mutex
	cameras   map[string]*entry
	order     []string
	maxActive int
	active    int

	acquirer Acquirer
	network  NetworkStreamFunc
	notify   func(Camera)
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithMaxActive caps the number of cameras holding an active slot. Zero means unlimited.
func WithMaxActive(n int) Option {
	return func(m *Manager) { m.maxActive = n }
}

// WithAcquirer sets how local-hardware cameras are opened.
func WithAcquirer(a Acquirer) Option {
	return func(m *Manager) { m.acquirer = a }
}

// WithNetworkStreams sets how network camera streams are built.
func WithNetworkStreams(f NetworkStreamFunc) Option {
	return func(m *Manager) { m.network = f }
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty registry.
func NewManager(opts ...Option) *Manager {
	grabber := NewFFmpegGrabber()
	m := &Manager{
		cameras:  make(map[string]*entry),
		acquirer: NewV4L2Acquirer(grabber),
		network:  NetworkStreams(grabber),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetNotifier registers the callback invoked after every lifecycle
// transition or record change. It is called without the registry lock held.
func (m *Manager) SetNotifier(fn func(Camera)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

func (m *Manager) emit(cams ...Camera) {
	m.mu.Lock()
	fn := m.notify
	m.mu.Unlock()
	if fn == nil {
		return
	}
	for _, c := range cams {
		fn(c)
	}
}

// Add registers a new camera in the offline state. An empty ID is generated.
func (m *Manager) Add(cam Camera) (Camera, error) {
	if err := cam.Validate(); err != nil {
		return Camera{}, err
	}
	if cam.ID == "" {
		cam.ID = uuid.New().String()
	}
	cam.Status = StatusOffline
	cam.Active = false
	cam.RiskScore = 0
	cam.LastDetectionAt = nil
	if cam.CreatedAt.IsZero() {
		cam.CreatedAt = m.now().UTC()
	}

	m.mu.Lock()
	if _, exists := m.cameras[cam.ID]; exists {
		m.mu.Unlock()
		return Camera{}, fmt.Errorf("camera %s already exists", cam.ID)
	}
	m.cameras[cam.ID] = &entry{cam: cam}
	m.order = append(m.order, cam.ID)
	m.mu.Unlock()

	m.log.Info().Str("camera", cam.ID).Str("name", cam.Name).Str("type", string(cam.ConnectionType)).Msg("camera added")
	m.emit(cam)
	return cam, nil
}

// Restore replaces the registry content with persisted records. Every camera
// comes back offline and inactive; nothing is reconnected.
func (m *Manager) Restore(cams []Camera) {
	m.mu.Lock()
	old := m.cameras
	m.cameras = make(map[string]*entry, len(cams))
	m.order = m.order[:0]
	m.active = 0
	for _, c := range cams {
		if c.ID == "" {
			continue
		}
		if _, dup := m.cameras[c.ID]; dup {
			continue
		}
		c.Status = StatusOffline
		c.Active = false
		c.RiskScore = clampRisk(c.RiskScore)
		m.cameras[c.ID] = &entry{cam: c}
		m.order = append(m.order, c.ID)
	}
	m.mu.Unlock()

	for _, e := range old {
		if e.stream != nil {
			e.stream.Release()
		}
	}
	m.log.Info().Int("cameras", len(cams)).Msg("registry restored")
}

// Update reconfigures a camera. An active camera is stopped first and the
// record always returns to offline, which also clears no-hardware.
func (m *Manager) Update(id string, patch Camera) (Camera, error) {
	m.mu.Lock()
	e, ok := m.cameras[id]
	if !ok {
		m.mu.Unlock()
		return Camera{}, ErrNotFound
	}

	next := e.cam
	if patch.Name != "" {
		next.Name = patch.Name
	}
	if patch.Location != "" {
		next.Location = patch.Location
	}
	if patch.ConnectionType != "" {
		next.ConnectionType = patch.ConnectionType
	}
	if patch.Device != "" {
		next.Device = patch.Device
	}
	if patch.StreamURL != "" {
		next.StreamURL = patch.StreamURL
	}
	if patch.Resolution != "" {
		next.Resolution = patch.Resolution
	}
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return Camera{}, err
	}

	stream := m.detachLocked(e)
	next.Status = StatusOffline
	next.Active = false
	e.cam = next
	snap := e.cam
	m.mu.Unlock()

	if stream != nil {
		stream.Release()
	}
	m.log.Info().Str("camera", id).Msg("camera reconfigured")
	m.emit(snap)
	return snap, nil
}

// Remove deletes a camera, releasing its stream if it holds one.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	e, ok := m.cameras[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	stream := m.detachLocked(e)
	delete(m.cameras, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if stream != nil {
		stream.Release()
	}
	m.log.Info().Str("camera", id).Msg("camera removed")
	return nil
}

// Get returns a snapshot of one camera.
func (m *Manager) Get(id string) (Camera, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cameras[id]
	if !ok {
		return Camera{}, ErrNotFound
	}
	return e.cam, nil
}

// List returns snapshots of every camera in registration order.
func (m *Manager) List() []Camera {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Camera, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.cameras[id].cam)
	}
	return out
}

// ActiveCount returns how many cameras hold an active slot.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// MaxActive returns the active-stream cap; zero means unlimited.
func (m *Manager) MaxActive() int {
	return m.maxActive
}

// IsLive reports whether id is registered, active and online.
func (m *Manager) IsLive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cameras[id]
	return ok && e.cam.Live()
}

// Start activates a camera. It is a no-op for a camera that is already
// active or connecting. It fails with ErrCapacityReached when every slot is
// taken and ErrNoHardware for a camera stuck in no-hardware; in both cases
// the record is left untouched.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.cameras[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.cam.Active {
		m.mu.Unlock()
		return nil
	}
	if e.cam.Status == StatusNoHardware {
		m.mu.Unlock()
		return ErrNoHardware
	}
	if m.maxActive > 0 && m.active >= m.maxActive {
		m.mu.Unlock()
		return ErrCapacityReached
	}

	// Claim the slot before any negotiation so concurrent starts cannot both win.
	m.active++
	e.gen++
	gen := e.gen

	if e.cam.ConnectionType == ConnectionNetwork {
		stream := m.network(e.cam)
		e.stream = stream
		e.cam.Status = StatusOnline
		e.cam.Active = true
		snap := e.cam
		m.mu.Unlock()

		go m.watch(id, gen, stream)
		m.log.Info().Str("camera", id).Str("url", snap.StreamURL).Msg("network camera online")
		m.emit(snap)
		return nil
	}

	e.cam.Status = StatusConnecting
	e.cam.Active = true
	connecting := e.cam
	acquirer := m.acquirer
	m.mu.Unlock()
	m.emit(connecting)

	stream, err := acquirer.Acquire(ctx, connecting)

	m.mu.Lock()
	cur, ok := m.cameras[id]
	if !ok || cur != e || e.gen != gen {
		// Stopped, reconfigured or removed while negotiating; the slot was
		// already returned by whoever invalidated the generation.
		m.mu.Unlock()
		if stream != nil {
			stream.Release()
		}
		m.log.Debug().Str("camera", id).Msg("discarding stale acquisition")
		return nil
	}

	if err != nil {
		m.active--
		e.gen++
		e.cam.Active = false
		if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrConstraintsUnsatisfiable) {
			e.cam.Status = StatusNoHardware
		} else {
			e.cam.Status = StatusOffline
		}
		snap := e.cam
		m.mu.Unlock()

		m.log.Warn().Err(err).Str("camera", id).Str("status", string(snap.Status)).Msg("camera acquisition failed")
		m.emit(snap)
		return fmt.Errorf("start camera %s: %w", id, err)
	}

	e.stream = stream
	e.cam.Status = StatusOnline
	snap := e.cam
	m.mu.Unlock()

	go m.watch(id, gen, stream)
	m.log.Info().Str("camera", id).Str("device", snap.Device).Msg("local camera online")
	m.emit(snap)
	return nil
}

// Stop releases the camera's stream and moves it offline. Stopping an
// inactive camera is a no-op.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	e, ok := m.cameras[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !e.cam.Active {
		m.mu.Unlock()
		return nil
	}
	stream := m.detachLocked(e)
	e.cam.Status = StatusOffline
	snap := e.cam
	m.mu.Unlock()

	if stream != nil {
		stream.Release()
	}
	m.log.Info().Str("camera", id).Msg("camera stopped")
	m.emit(snap)
	return nil
}

// StartAll starts every camera matching pred concurrently. Capacity and
// no-hardware refusals are expected outcomes and are not reported.
func (m *Manager) StartAll(ctx context.Context, pred func(Camera) bool) error {
	var ids []string
	for _, c := range m.List() {
		if pred == nil || pred(c) {
			ids = append(ids, c.ID)
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := m.Start(ctx, id)
			if err == nil || errors.Is(err, ErrCapacityReached) || errors.Is(err, ErrNoHardware) || errors.Is(err, ErrNotFound) {
				return
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops every active camera.
func (m *Manager) StopAll() {
	for _, c := range m.List() {
		if c.Active {
			_ = m.Stop(c.ID)
		}
	}
}

// Frame captures the current frame of a live camera.
func (m *Manager) Frame(ctx context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	e, ok := m.cameras[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if !e.cam.Live() || e.stream == nil {
		m.mu.Unlock()
		return nil, ErrNotLive
	}
	stream := e.stream
	m.mu.Unlock()

	return stream.Frame(ctx)
}

// UpdateRisk adds delta to a camera's risk score, clamped to [0,100], and
// stamps lastDetectionAt when at is non-zero. Reserved for the risk engine.
func (m *Manager) UpdateRisk(id string, delta int, at time.Time) (Camera, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cameras[id]
	if !ok {
		return Camera{}, false
	}
	e.cam.RiskScore = clampRisk(e.cam.RiskScore + delta)
	if !at.IsZero() {
		ts := at
		e.cam.LastDetectionAt = &ts
	}
	return e.cam, true
}

// DecayRisk lowers every nonzero risk score by step and returns the cameras
// that changed. Reserved for the risk engine.
func (m *Manager) DecayRisk(step int) []Camera {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []Camera
	for _, id := range m.order {
		e := m.cameras[id]
		if e.cam.RiskScore == 0 {
			continue
		}
		e.cam.RiskScore = clampRisk(e.cam.RiskScore - step)
		changed = append(changed, e.cam)
	}
	return changed
}

// HasRisk reports whether any camera has a nonzero risk score.
func (m *Manager) HasRisk() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.cameras {
		if e.cam.RiskScore > 0 {
			return true
		}
	}
	return false
}

// detachLocked frees the entry's slot and stream handle. Caller holds m.mu
// and releases the returned stream after unlocking.
func (m *Manager) detachLocked(e *entry) Stream {
	if e.cam.Active {
		m.active--
	}
	e.gen++
	e.cam.Active = false
	stream := e.stream
	e.stream = nil
	return stream
}

// watch moves a camera offline when its stream terminates on its own.
func (m *Manager) watch(id string, gen uint64, stream Stream) {
	<-stream.Done()

	m.mu.Lock()
	e, ok := m.cameras[id]
	if !ok || e.gen != gen || !e.cam.Active {
		m.mu.Unlock()
		return
	}
	m.detachLocked(e)
	e.cam.Status = StatusOffline
	snap := e.cam
	m.mu.Unlock()

	stream.Release()
	m.log.Warn().Str("camera", id).Msg("stream terminated, camera offline")
	m.emit(snap)
}

func clampRisk(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
