package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/learnflow/internal/config"
)

func TestArtifactKeySanitizesSegments(t *testing.T) {
	got := ArtifactKey("course_content", "course 42/../x", "0192f1a4-7b8e-7c3d-9e5f-0a1b2c3d4e5f", "content.md")
	want := "course_content/course_42_.._x/0192f1a4-7b8e-7c3d-9e5f-0a1b2c3d4e5f/content.md"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := ArtifactKey("", "..", "job", "a.json"); got != "_/_/job/a.json" {
		t.Fatalf("unexpected key for empty segments: %q", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := ContentTypeFor("roster.CSV"); got != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected csv content type %q", got)
	}
	if got := ContentTypeFor("blob"); got != "application/octet-stream" {
		t.Fatalf("unexpected default content type %q", got)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := store.ObjectExists(ctx, "a/b.json"); ok {
		t.Fatal("expected object to be absent")
	}
	if err := store.WriteObject(ctx, "a/b.json", []byte(`{"ok":true}`), ContentTypeFor("b.json")); err != nil {
		t.Fatalf("write object: %v", err)
	}
	data, err := store.ReadObject(ctx, "a/b.json")
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected object body %s", data)
	}
	if store.ContentType("a/b.json") != "application/json" {
		t.Fatalf("unexpected content type %q", store.ContentType("a/b.json"))
	}
	if _, err := store.PresignedGetURL(ctx, "missing", 0); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound presigning a missing object, got %v", err)
	}
	if _, err := store.ReadObject(ctx, "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound reading a missing object, got %v", err)
	}
}

func TestNewMinioStoreValidatesConfig(t *testing.T) {
	if _, err := NewMinioStore(Config{Bucket: "artifacts"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := NewMinioStore(Config{Endpoint: "localhost:9000", Bucket: "  "}); err == nil {
		t.Fatal("expected error without bucket")
	}
	store, err := NewMinioStore(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "artifacts", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("new minio store: %v", err)
	}
	url, err := store.PresignedGetURL(context.Background(), "course_content/c1/job/content.md", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "response-content-disposition") || !strings.Contains(url, "content.md") {
		t.Fatalf("expected attachment disposition in %q", url)
	}
}

func TestOpenMemoryBackend(t *testing.T) {
	store, err := Open(context.Background(), config.StorageConfig{Backend: "Memory"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}
