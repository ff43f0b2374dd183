package storage

import (
	"fmt"
	"path"
	"strings"
)

// ArtifactKey builds the object key for a job artifact:
// <kind>/<resource>/<job>/<name>.
func ArtifactKey(kind, resourceID, jobID, name string) string {
	return path.Join(sanitizeSegment(kind), sanitizeSegment(resourceID), sanitizeSegment(jobID), sanitizeSegment(name))
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

// ContentTypeFor maps artifact file extensions to the content types stored
// alongside them.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	case ".csv":
		return "text/csv; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func errMissing(objectKey string) error {
	return fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
}
