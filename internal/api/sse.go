package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	sseEventStatus = "status"
	sseEventResult = "result"
)

// handleJobEvents streams job snapshots as server-sent events. Intermediate
// snapshots go out as "status"; the terminal one goes out as "result" and
// ends the stream.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	job, ok := s.loadJob(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if !job.Status.IsTerminal() && s.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job events are not enabled"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if job.Status.IsTerminal() {
		writeSSEEvent(w, flusher, sseEventResult, job)
		return
	}

	sub, err := s.broker.Subscribe(r.Context(), job.ID)
	if err != nil {
		s.logger.Printf("subscribe failed job_id=%s err=%v", job.ID, err)
		writeSSEEvent(w, flusher, "error", map[string]string{"error": "failed to subscribe to job events"})
		return
	}
	defer sub.Cancel()

	s.metrics.eventStreams.Inc()
	defer s.metrics.eventStreams.Dec()

	// The job may have moved on between the first read and the subscription.
	if fresh, err := s.jobs.Get(r.Context(), job.ID); err == nil {
		job = fresh
	}
	if job.Status.IsTerminal() {
		writeSSEEvent(w, flusher, sseEventResult, job)
		return
	}
	writeSSEEvent(w, flusher, sseEventStatus, job)
	lastUpdate := job.UpdatedAt

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case snapshot, open := <-sub.C:
			if !open {
				return
			}
			if snapshot.Status.IsTerminal() {
				writeSSEEvent(w, flusher, sseEventResult, snapshot)
				return
			}
			if snapshot.UpdatedAt.Before(lastUpdate) {
				continue
			}
			lastUpdate = snapshot.UpdatedAt
			writeSSEEvent(w, flusher, sseEventStatus, snapshot)
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
