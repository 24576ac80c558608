package engine

import (
	"context"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/pipeline"
)

// View is the dashboard's current selection. An empty Visible list means
// every camera is visible.
type View struct {
	Selected string   `json:"selected,omitempty"`
	Visible  []string `json:"visible,omitempty"`
}

// SetView replaces the selection used by SelectTarget.
func (e *Engine) SetView(v View) {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	e.selected = v.Selected
	e.visible = append([]string(nil), v.Visible...)
}

// View returns the current selection.
func (e *Engine) View() View {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return View{Selected: e.selected, Visible: append([]string(nil), e.visible...)}
}

// Cameras lists every camera in registration order.
func (e *Engine) Cameras() []camera.Camera { return e.registry.List() }

// Camera returns one camera.
func (e *Engine) Camera(id string) (camera.Camera, error) { return e.registry.Get(id) }

// ActiveCount returns how many cameras hold a stream slot.
func (e *Engine) ActiveCount() int { return e.registry.ActiveCount() }

// MaxActive returns the active-stream cap.
func (e *Engine) MaxActive() int { return e.registry.MaxActive() }

// AddCamera registers a camera in the offline state.
func (e *Engine) AddCamera(c camera.Camera) (camera.Camera, error) {
	return e.registry.Add(c)
}

// UpdateCamera reconfigures a camera, which stops it.
func (e *Engine) UpdateCamera(id string, patch camera.Camera) (camera.Camera, error) {
	return e.registry.Update(id, patch)
}

// RemoveCamera deletes a camera and drops it from the view.
func (e *Engine) RemoveCamera(id string) error {
	if err := e.registry.Remove(id); err != nil {
		return err
	}

	e.viewMu.Lock()
	if e.selected == id {
		e.selected = ""
	}
	for i, v := range e.visible {
		if v == id {
			e.visible = append(e.visible[:i], e.visible[i+1:]...)
			break
		}
	}
	e.viewMu.Unlock()

	e.dirty.Store(true)
	e.bus.Publish(pipeline.Event{Type: pipeline.EventCameraRemoved, CameraID: id, Timestamp: e.now()})
	return nil
}

// StartCamera activates a camera.
func (e *Engine) StartCamera(ctx context.Context, id string) error {
	return e.registry.Start(ctx, id)
}

// StopCamera deactivates a camera. A result still in flight for it is
// discarded when it arrives.
func (e *Engine) StopCamera(id string) error {
	return e.registry.Stop(id)
}

// StartAll starts every camera, or only the visible ones when visibleOnly
// is set and a visible set exists.
func (e *Engine) StartAll(ctx context.Context, visibleOnly bool) error {
	if !visibleOnly {
		return e.registry.StartAll(ctx, nil)
	}
	view := e.View()
	if len(view.Visible) == 0 {
		return e.registry.StartAll(ctx, nil)
	}
	set := make(map[string]struct{}, len(view.Visible))
	for _, id := range view.Visible {
		set[id] = struct{}{}
	}
	return e.registry.StartAll(ctx, func(c camera.Camera) bool {
		_, ok := set[c.ID]
		return ok
	})
}

// StopAll stops every active camera.
func (e *Engine) StopAll() { e.registry.StopAll() }

// Frame returns the live frame of a camera, for previews.
func (e *Engine) Frame(ctx context.Context, id string) ([]byte, error) {
	return e.registry.Frame(ctx, id)
}
