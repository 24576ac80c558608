package services

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"hazardwatch/internal/database"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

const maxHistoryLimit = 1000

// DetectionList is the body of GET /api/detections
type DetectionList struct {
	Detections []risk.Detection `json:"detections"`
	Capacity   int              `json:"capacity"`
}

// DetectResult is the body of POST /api/detect
type DetectResult struct {
	Outcome pipeline.Outcome `json:"outcome"`
	NextIn  string           `json:"next_in"`
}

func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	capacity := s.deps.Engine.Policy().LogCapacity
	n, err := intParam(r, "limit", capacity)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	s.encode(w, r, http.StatusOK, DetectionList{Detections: s.deps.Engine.Detections(n), Capacity: capacity})
}

func (s *Server) clearDetections(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, s.deps.Engine.ClearDetections())
}

func (s *Server) safety(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, s.deps.Engine.Safety())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.fail(w, r, fmt.Errorf("detection history: %w", errNotAvailable), "")
		return
	}

	q := r.URL.Query()
	f := database.HistoryFilter{
		CameraID: q.Get("camera"),
		Category: risk.Category(q.Get("category")),
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	f.Limit = min(limit, maxHistoryLimit)
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.fail(w, r, &badRequest{fmt.Errorf("since: %w", err)}, "")
			return
		}
		f.Since = t
	}

	recs, err := s.deps.History.ListDetections(r.Context(), f)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	if recs == nil {
		recs = []database.DetectionRecord{}
	}
	s.encode(w, r, http.StatusOK, recs)
}

func (s *Server) detect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		s.fail(w, r, fmt.Errorf("detection trigger: %w", errNotAvailable), "")
		return
	}
	next, outcome := s.deps.Trigger.Tick(r.Context())
	status := http.StatusOK
	if outcome == pipeline.OutcomeBusy {
		status = http.StatusConflict
	}
	s.encode(w, r, status, DetectResult{Outcome: outcome, NextIn: next.String()})
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reporter == nil {
		s.fail(w, r, fmt.Errorf("report generation: %w", errNotAvailable), "")
		return
	}
	s.encode(w, r, http.StatusOK, s.deps.Reporter.Generate(r.Context()))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &badRequest{fmt.Errorf("%s must be a non-negative integer", name)}
	}
	return n, nil
}
