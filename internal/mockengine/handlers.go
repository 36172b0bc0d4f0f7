package mockengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

// validRunID matches ULIDs and other safe identifiers.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

var errClientGone = errors.New("stream client disconnected")

const shareTTL = 30 * 24 * time.Hour

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, contract.Health{
		Status:  "ok",
		Version: s.config.Build,
		UptimeS: int64(time.Since(s.started) / time.Second),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	k := s.snapshot()
	if k.VersionDown {
		writeError(w, http.StatusServiceUnavailable, "SERVER_ERROR", "version endpoint unavailable")
		return
	}
	features := []string{"validate", "share", "templates"}
	if k.Streaming {
		features = append(features, "sse")
	}
	writeJSON(w, http.StatusOK, contract.Version{
		API:          "v1",
		Build:        s.config.Build,
		Capabilities: map[string]bool{"streaming": k.Streaming, "cancel": true},
		Features:     features,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeConditional(w, r, s.snapshot().Limits)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeConditional(w, r, s.templates.list())
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	t, ok := s.templates.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "BAD_INPUT", fmt.Sprintf("template %s not found", r.PathValue("id")))
		return
	}
	writeConditional(w, r, t.Template)
}

func (s *Server) handleTemplateGraph(w http.ResponseWriter, r *http.Request) {
	t, ok := s.templates.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "BAD_INPUT", fmt.Sprintf("template %s not found", r.PathValue("id")))
		return
	}
	writeConditional(w, r, t.Graph)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req contract.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_INPUT", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Graph.Nodes) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_INPUT", "graph has no nodes")
		return
	}
	if v := checkGraph(req.Graph, s.snapshot().Limits); len(v) > 0 {
		writeViolation(w, v[0])
		return
	}
	sc := s.shares.put(req, time.Now())
	writeJSON(w, http.StatusCreated, contract.ShareResponse{
		ShareID:   sc.ShareID,
		URL:       "/v1/share/" + sc.ShareID,
		ExpiresAt: sc.CreatedAt.Add(shareTTL),
	})
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc, ok := s.shares.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "BAD_INPUT", fmt.Sprintf("share %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	k := s.snapshot()
	if k.ValidateStatus != 0 {
		writeError(w, k.ValidateStatus, "SERVER_ERROR", "validator unavailable")
		return
	}
	req, tmpl, ok := s.decodeRun(w, r)
	if !ok {
		return
	}
	violations := checkGraph(graphOf(req, tmpl), k.Limits)
	writeJSON(w, http.StatusOK, contract.ValidateResponse{Valid: len(violations) == 0, Violations: violations})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, tmpl, ok := s.decodeRun(w, r)
	if !ok {
		return
	}
	if f, fail := s.takeRunFailure(); fail {
		writeFailure(w, f)
		return
	}
	k := s.snapshot()
	if v := checkGraph(graphOf(req, tmpl), k.Limits); len(v) > 0 {
		writeViolation(w, v[0])
		return
	}
	if k.RunDelay > 0 {
		t := time.NewTimer(k.RunDelay)
		defer t.Stop()
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
		}
	}
	o := analyze(req, tmpl, ulid.Make().String())
	writeJSON(w, http.StatusOK, render(k.Shape, o, k.MissingHash))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, tmpl, ok := s.decodeRun(w, r)
	if !ok {
		return
	}
	k := s.snapshot()
	if k.StreamStatus != 0 {
		writeError(w, k.StreamStatus, k.StreamCode, fmt.Sprintf("stream rejected (%d)", k.StreamStatus))
		return
	}
	if v := checkGraph(graphOf(req, tmpl), k.Limits); len(v) > 0 {
		writeViolation(w, v[0])
		return
	}

	ctx, cancel := context.WithCancelCause(s.baseCtx)
	rs := &RunState{
		RunID:       ulid.Make().String(),
		Broadcaster: NewBroadcaster(),
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(rs); err != nil {
		cancel(nil)
		writeError(w, http.StatusConflict, "SERVER_ERROR", err.Error())
		return
	}
	go s.generate(ctx, rs, req, tmpl, k)

	WriteSSE(w, r, rs.Broadcaster)
	if r.Context().Err() != nil {
		cancel(errClientGone)
	}
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rs, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "BAD_INPUT", fmt.Sprintf("run %s not found", runID))
		return
	}
	WriteSSE(w, r, rs.Broadcaster)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "BAD_INPUT", "run id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	s.recordCancel(runID)
	rs, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "BAD_INPUT", fmt.Sprintf("run %s not found", runID))
		return
	}
	rs.markCancelled()
	rs.Cancel(errCancelledByClient)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelling"})
}

// generate plays the frames of one streamed run into its broadcaster.
func (s *Server) generate(ctx context.Context, rs *RunState, req contract.WireRunRequest, tmpl *templateEntry, k Knobs) {
	completed := false
	defer func() {
		rs.finish(completed)
		rs.Cancel(nil)
	}()

	frames := 0
	send := func(event string, data any) bool {
		if frames > 0 && k.FrameDelay > 0 {
			t := time.NewTimer(k.FrameDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return false
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return false
		}
		if k.DropAfterFrames > 0 && frames >= k.DropAfterFrames {
			return false
		}
		if err := rs.Broadcaster.Send(event, data); err != nil {
			s.log.Error("run %s: %v", rs.RunID, err)
			return false
		}
		frames++
		return true
	}

	if !send("started", map[string]string{"run_id": rs.RunID}) {
		return
	}
	if k.FrameError != "" {
		send("error", contract.Payload{Code: k.FrameError, Error: "injected frame error"})
		return
	}
	steps := k.ProgressSteps
	if steps < 1 {
		steps = 1
	}
	o := analyze(req, tmpl, rs.RunID)
	for i := 0; i <= steps; i++ {
		if !send("progress", map[string]any{"percent": i * 100 / steps}) {
			return
		}
		if i == steps/2 {
			if !send("interim", map[string]any{"partial": map[string]any{"likely": o.Likely, "units": o.Units}}) {
				return
			}
		}
	}
	if !send("complete", render(k.Shape, o, k.MissingHash)) {
		return
	}
	completed = true
	s.log.Debug("run %s complete after %d frames", rs.RunID, frames)
}

// decodeRun parses a run body and resolves its template. It writes the
// error response itself and reports whether the caller should continue.
func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (contract.WireRunRequest, *templateEntry, bool) {
	var req contract.WireRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_INPUT", fmt.Sprintf("invalid request body: %v", err))
		return req, nil, false
	}
	s.recordRequest(req)
	id := strings.TrimSpace(req.TemplateID)
	if id == "" && req.Graph == nil {
		writeError(w, http.StatusBadRequest, "BAD_INPUT", "template_id or graph is required")
		return req, nil, false
	}
	if id == "" {
		return req, nil, true
	}
	tmpl, ok := s.templates.get(id)
	if !ok {
		writeJSON(w, http.StatusBadRequest, contract.Payload{
			Code:   "BAD_INPUT",
			Error:  fmt.Sprintf("unknown template %q", id),
			Fields: &contract.Fields{Field: "template_id"},
		})
		return req, nil, false
	}
	return req, tmpl, true
}

func graphOf(req contract.WireRunRequest, tmpl *templateEntry) contract.WireGraph {
	if req.Graph != nil {
		return *req.Graph
	}
	if tmpl != nil {
		return tmpl.Graph
	}
	return contract.WireGraph{}
}

// checkGraph applies the Engine's caps the same way the real validator does.
func checkGraph(g contract.WireGraph, lim contract.Limits) []contract.Violation {
	var out []contract.Violation
	if lim.MaxNodes > 0 && len(g.Nodes) > lim.MaxNodes {
		out = append(out, contract.Violation{Code: "LIMIT_EXCEEDED", Field: "nodes", Max: lim.MaxNodes,
			Message: fmt.Sprintf("graph has %d nodes (max %d)", len(g.Nodes), lim.MaxNodes)})
	}
	if lim.MaxEdges > 0 && len(g.Edges) > lim.MaxEdges {
		out = append(out, contract.Violation{Code: "LIMIT_EXCEEDED", Field: "edges", Max: lim.MaxEdges,
			Message: fmt.Sprintf("graph has %d edges (max %d)", len(g.Edges), lim.MaxEdges)})
	}
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = true
		if lim.MaxLabelLen > 0 && utf8.RuneCountInString(n.Label) > lim.MaxLabelLen {
			out = append(out, contract.Violation{Code: "BAD_INPUT", Field: "label", Max: lim.MaxLabelLen,
				Message: fmt.Sprintf("node %s label too long", n.ID)})
		}
		if lim.MaxBodyLen > 0 && utf8.RuneCountInString(n.Body) > lim.MaxBodyLen {
			out = append(out, contract.Violation{Code: "BAD_INPUT", Field: "body", Max: lim.MaxBodyLen,
				Message: fmt.Sprintf("node %s body too long", n.ID)})
		}
	}
	for _, e := range g.Edges {
		if !ids[e.From] || !ids[e.To] {
			out = append(out, contract.Violation{Code: "BAD_INPUT", Field: "edges",
				Message: fmt.Sprintf("edge %s->%s references an unknown node", e.From, e.To)})
		}
	}
	return out
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, contract.Payload{Code: code, Error: msg})
}

func writeViolation(w http.ResponseWriter, v contract.Violation) {
	status := http.StatusBadRequest
	if v.Code == "LIMIT_EXCEEDED" {
		status = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, status, contract.Payload{
		Code:   v.Code,
		Error:  v.Message,
		Fields: &contract.Fields{Field: v.Field, Max: v.Max},
	})
}

func writeFailure(w http.ResponseWriter, f Failure) {
	status := f.Status
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	msg := f.Message
	if msg == "" {
		msg = fmt.Sprintf("injected failure (%d)", status)
	}
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	writeError(w, status, f.Code, msg)
}

// writeConditional serves v with a strong ETag and honors If-None-Match.
func writeConditional(w http.ResponseWriter, r *http.Request, v any) {
	tag, body, err := etagOf(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", err.Error())
		return
	}
	w.Header().Set("ETag", tag)
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
