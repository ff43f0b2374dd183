package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dunamismax/learnflow/internal/domain"
)

type artifactLinker interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type artifactView struct {
	Name      string    `json:"name"`
	ObjectKey string    `json:"object_key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleJobArtifacts returns download links for every object key a completed
// job's result references. Result fields ending in "_key" name artifacts.
func (s *Server) handleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if s.artifacts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "artifact storage is not configured"})
		return
	}
	if job.Status != domain.JobStatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "artifacts are available once the job completes",
			"status": string(job.Status),
		})
		return
	}

	keys := artifactKeys(job.Result)
	expiresAt := time.Now().UTC().Add(s.presignTTL)
	views := make([]artifactView, 0, len(keys))
	for _, name := range sortedKeys(keys) {
		link, err := s.artifacts.PresignedGetURL(r.Context(), keys[name], s.presignTTL)
		if err != nil {
			s.logger.Printf("presign artifact failed job_id=%s key=%s err=%v", job.ID, keys[name], err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate download URL"})
			return
		}
		views = append(views, artifactView{
			Name:      strings.TrimSuffix(name, "_key"),
			ObjectKey: keys[name],
			URL:       link,
			ExpiresAt: expiresAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "artifacts": views})
}

func artifactKeys(result json.RawMessage) map[string]string {
	keys := make(map[string]string)
	var fields map[string]any
	if err := json.Unmarshal(result, &fields); err != nil {
		return keys
	}
	for name, value := range fields {
		key, ok := value.(string)
		if !ok || key == "" || !strings.HasSuffix(name, "_key") {
			continue
		}
		keys[name] = key
	}
	return keys
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
