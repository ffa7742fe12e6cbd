package content

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"log/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := writer.Create(name)
		if err != nil {
			t.Fatalf("create zip entry: %v", err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestStorePutUploadsAndPinsRoot(t *testing.T) {
	var pinned string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v0/add"):
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("parse multipart: %v", err)
			}
			fmt.Fprintln(w, `{"Name":"build/index.html","Hash":"QmFile1","Size":"12"}`)
			fmt.Fprintln(w, `{"Name":"build/css/site.css","Hash":"QmFile2","Size":"8"}`)
			fmt.Fprintln(w, `{"Name":"build","Hash":"QmRootHash","Size":"20"}`)
		case strings.HasPrefix(r.URL.Path, "/api/v0/pin/add"):
			pinned = r.URL.Query().Get("arg")
			fmt.Fprintln(w, `{"Pins":["QmRootHash"]}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	store := NewStore(server.URL, discardLogger())
	artifact := buildZip(t, map[string]string{
		"index.html":   "<html></html>",
		"css/site.css": "body {}",
	})
	contentID, err := store.Put(context.Background(), artifact)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if contentID != "QmRootHash" {
		t.Fatalf("content id = %q, want QmRootHash", contentID)
	}
	if pinned != "QmRootHash" {
		t.Fatalf("pinned %q, want QmRootHash", pinned)
	}
}

func TestStorePutFailsWithoutRootEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"Name":"build/index.html","Hash":"QmFile1","Size":"12"}`)
	}))
	defer server.Close()

	store := NewStore(server.URL, discardLogger())
	_, err := store.Put(context.Background(), buildZip(t, map[string]string{"index.html": "x"}))
	if err == nil || !strings.Contains(err.Error(), "missing root entry") {
		t.Fatalf("expected missing root entry error, got %v", err)
	}
}

func TestStorePutRejectsEmptyZip(t *testing.T) {
	store := NewStore("http://unused", discardLogger())
	if _, err := store.Put(context.Background(), buildZip(t, nil)); err == nil {
		t.Fatal("expected error for empty artifact")
	}
}

func TestCheckerVisible(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v0/cat") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte("<h"))
	}))
	defer server.Close()

	checker := NewChecker(server.URL, discardLogger())
	visible, err := checker.IsVisible(context.Background(), "QmRootHash")
	if err != nil {
		t.Fatalf("IsVisible returned error: %v", err)
	}
	if !visible {
		t.Fatal("expected content to be visible")
	}
}

func TestCheckerNotFoundIsFalseNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"Message":"merkledag: not found","Code":0}`)
	}))
	defer server.Close()

	checker := NewChecker(server.URL, discardLogger())
	visible, err := checker.IsVisible(context.Background(), "QmMissing")
	if err != nil {
		t.Fatalf("not-found should not be an error, got %v", err)
	}
	if visible {
		t.Fatal("missing content reported visible")
	}
}

func TestCheckerInfrastructureFailureIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintln(w, "upstream unavailable")
	}))
	defer server.Close()

	checker := NewChecker(server.URL, discardLogger())
	if _, err := checker.IsVisible(context.Background(), "QmRootHash"); err == nil {
		t.Fatal("expected error for gateway failure")
	}
}
