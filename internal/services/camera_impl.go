package services

import (
	"errors"
	"fmt"
	"net/http"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/engine"
)

// CameraPayload creates or patches a camera. Empty fields keep their value
// on update.
type CameraPayload struct {
	Name           string                `json:"name"`
	Location       string                `json:"location"`
	ConnectionType camera.ConnectionType `json:"connection_type"`
	Device         string                `json:"device"`
	StreamURL      string                `json:"stream_url"`
	Resolution     string                `json:"resolution"`
}

func (p CameraPayload) camera() camera.Camera {
	return camera.Camera{
		Name:           p.Name,
		Location:       p.Location,
		ConnectionType: p.ConnectionType,
		Device:         p.Device,
		StreamURL:      p.StreamURL,
		Resolution:     p.Resolution,
	}
}

// CameraList is the body of GET /api/cameras
type CameraList struct {
	Cameras     []camera.Camera `json:"cameras"`
	ActiveCount int             `json:"active_count"`
	MaxActive   int             `json:"max_active"`
	Selected    string          `json:"selected,omitempty"`
	Visible     []string        `json:"visible,omitempty"`
}

// StartAllPayload is the optional body of POST /api/cameras/start-all
type StartAllPayload struct {
	VisibleOnly bool `json:"visible_only"`
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	view := s.deps.Engine.View()
	s.encode(w, r, http.StatusOK, CameraList{
		Cameras:     s.deps.Engine.Cameras(),
		ActiveCount: s.deps.Engine.ActiveCount(),
		MaxActive:   s.deps.Engine.MaxActive(),
		Selected:    view.Selected,
		Visible:     view.Visible,
	})
}

func (s *Server) getCamera(w http.ResponseWriter, r *http.Request, id string) {
	cam, err := s.deps.Engine.Camera(id)
	if err != nil {
		s.fail(w, r, err, id)
		return
	}
	s.encode(w, r, http.StatusOK, cam)
}

func (s *Server) createCamera(w http.ResponseWriter, r *http.Request) {
	var p CameraPayload
	if err := s.decode(r, &p); err != nil {
		s.fail(w, r, err, "")
		return
	}
	if p.ConnectionType == "" {
		p.ConnectionType = camera.ConnectionLocal
	}
	cam, err := s.deps.Engine.AddCamera(p.camera())
	if err != nil {
		s.fail(w, r, &badRequest{err}, "")
		return
	}
	s.encode(w, r, http.StatusCreated, cam)
}

func (s *Server) updateCamera(w http.ResponseWriter, r *http.Request, id string) {
	var p CameraPayload
	if err := s.decode(r, &p); err != nil {
		s.fail(w, r, err, id)
		return
	}
	cam, err := s.deps.Engine.UpdateCamera(id, p.camera())
	if err != nil {
		if !errors.Is(err, camera.ErrNotFound) {
			err = &badRequest{err}
		}
		s.fail(w, r, err, id)
		return
	}
	s.encode(w, r, http.StatusOK, cam)
}

func (s *Server) deleteCamera(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.deps.Engine.RemoveCamera(id); err != nil {
		s.fail(w, r, err, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startCamera(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.deps.Engine.StartCamera(r.Context(), id); err != nil {
		s.fail(w, r, err, id)
		return
	}
	s.getCamera(w, r, id)
}

func (s *Server) stopCamera(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.deps.Engine.StopCamera(id); err != nil {
		s.fail(w, r, err, id)
		return
	}
	s.getCamera(w, r, id)
}

func (s *Server) startAll(w http.ResponseWriter, r *http.Request) {
	var p StartAllPayload
	if r.ContentLength > 0 {
		if err := s.decode(r, &p); err != nil {
			s.fail(w, r, err, "")
			return
		}
	}
	if err := s.deps.Engine.StartAll(r.Context(), p.VisibleOnly); err != nil {
		s.log.Warn().Err(err).Msg("start all finished with errors")
	}
	s.listCameras(w, r)
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.StopAll()
	s.listCameras(w, r)
}

func (s *Server) cameraFrame(w http.ResponseWriter, r *http.Request, id string) {
	frame, err := s.deps.Engine.Frame(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, id)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(frame)
}

func (s *Server) cameraStream(w http.ResponseWriter, r *http.Request, id string) {
	if s.deps.Preview == nil {
		s.fail(w, r, fmt.Errorf("live preview: %w", errNotAvailable), id)
		return
	}
	if err := s.deps.Preview.Serve(w, r, id); err != nil {
		s.fail(w, r, err, id)
	}
}

func (s *Server) setView(w http.ResponseWriter, r *http.Request) {
	var v engine.View
	if err := s.decode(r, &v); err != nil {
		s.fail(w, r, err, "")
		return
	}
	s.deps.Engine.SetView(v)
	s.encode(w, r, http.StatusOK, s.deps.Engine.View())
}
