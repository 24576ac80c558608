package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var errStreamReleased = errors.New("stream released")

// Stream is a capture resource attached to an online camera.
// Release must be safe to call more than once.
type Stream interface {
	// Frame returns the current frame as JPEG bytes
	Frame(ctx context.Context) ([]byte, error)
	// Done is closed once the stream has terminated or been released
	Done() <-chan struct{}
	Release()
}

// Acquirer negotiates a capture resource for a local-hardware camera.
// Failures wrapping ErrDeviceNotFound or ErrConstraintsUnsatisfiable move the
// camera to no-hardware; any other error leaves it offline.
type Acquirer interface {
	Acquire(ctx context.Context, cam Camera) (Stream, error)
}

// NetworkStreamFunc builds the stream for a network camera. No negotiation
// happens: the address is assumed to serve a stream.
type NetworkStreamFunc func(cam Camera) Stream

// baseStream provides idempotent release and the done channel.
type baseStream struct {
	once sync.Once
	done chan struct{}
}

func newBaseStream() baseStream {
	return baseStream{done: make(chan struct{})}
}

func (s *baseStream) Done() <-chan struct{} { return s.done }

func (s *baseStream) Release() {
	s.once.Do(func() { close(s.done) })
}

func (s *baseStream) released() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// maxGrabFailures is the number of consecutive failed grabs after which a
// network stream is considered dead.
const maxGrabFailures = 3

// networkStream grabs frames from an opaque stream address. It ends itself
// after maxGrabFailures consecutive grab errors.
type networkStream struct {
	baseStream
	url      string
	grabber  Grabber
	failures atomic.Int32
}

// NewNetworkStream returns a stream reading frames from url.
func NewNetworkStream(url string, grabber Grabber) Stream {
	return &networkStream{baseStream: newBaseStream(), url: url, grabber: grabber}
}

// NetworkStreams returns a NetworkStreamFunc backed by grabber.
func NetworkStreams(grabber Grabber) NetworkStreamFunc {
	return func(cam Camera) Stream {
		return NewNetworkStream(cam.StreamURL, grabber)
	}
}

func (s *networkStream) Frame(ctx context.Context) ([]byte, error) {
	if s.released() {
		return nil, errStreamReleased
	}
	frame, err := s.grabber.Grab(ctx, s.url, true, "")
	if err != nil {
		if ctx.Err() == nil && s.failures.Add(1) >= maxGrabFailures {
			s.Release()
		}
		return nil, err
	}
	s.failures.Store(0)
	return frame, nil
}

// localStream reads from a V4L2 device and ends when the device disappears.
type localStream struct {
	baseStream
	device     string
	resolution string
	grabber    Grabber
}

func (s *localStream) Frame(ctx context.Context) ([]byte, error) {
	if s.released() {
		return nil, errStreamReleased
	}
	return s.grabber.Grab(ctx, s.device, false, s.resolution)
}

func (s *localStream) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := os.Stat(s.device); err != nil {
				s.Release()
				return
			}
		}
	}
}

// V4L2Acquirer opens local capture devices.
type V4L2Acquirer struct {
	Grabber      Grabber
	PollInterval time.Duration
}

// NewV4L2Acquirer returns an acquirer that probes devices with grabber.
func NewV4L2Acquirer(grabber Grabber) *V4L2Acquirer {
	return &V4L2Acquirer{Grabber: grabber, PollInterval: 2 * time.Second}
}

// Acquire checks the device node, probes one frame and starts watching the
// device for removal.
func (a *V4L2Acquirer) Acquire(ctx context.Context, cam Camera) (Stream, error) {
	if cam.Resolution != "" {
		if _, _, err := ParseResolution(cam.Resolution); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrConstraintsUnsatisfiable)
		}
	}

	info, err := os.Stat(cam.Device)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", cam.Device, ErrDeviceNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", cam.Device, err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return nil, fmt.Errorf("%s is not a character device: %w", cam.Device, ErrDeviceNotFound)
	}

	f, err := os.OpenFile(cam.Device, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cam.Device, err)
	}
	f.Close()

	if _, err := a.Grabber.Grab(ctx, cam.Device, false, cam.Resolution); err != nil {
		if cam.Resolution != "" {
			// The device works without the requested size: the constraint is the problem.
			if _, plainErr := a.Grabber.Grab(ctx, cam.Device, false, ""); plainErr == nil {
				return nil, fmt.Errorf("%s at %s: %w", cam.Device, cam.Resolution, ErrConstraintsUnsatisfiable)
			}
		}
		return nil, fmt.Errorf("probe %s: %w", cam.Device, err)
	}

	s := &localStream{
		baseStream: newBaseStream(),
		device:     cam.Device,
		resolution: cam.Resolution,
		grabber:    a.Grabber,
	}
	interval := a.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go s.monitor(interval)
	return s, nil
}
