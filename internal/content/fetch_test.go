package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFetch_WritesVisibleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><head><title>t</title>
			<script>var hidden = 1;</script></head>
			<body><p>Liquidity rests above old highs.</p>
			<style>.x{}</style></body></html>`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher("", 0, 0, "", "", "")

	sourceID, err := f.Fetch(context.Background(), srv.URL+"/lesson/one", dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, sourceID+".txt"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "Liquidity rests above old highs.") {
		t.Errorf("visible text missing: %q", text)
	}
	if strings.Contains(text, "hidden") {
		t.Errorf("script content leaked into text: %q", text)
	}

	// The saved file round-trips through the regular chunker.
	src := NewFileSource(dir, 0, 0)
	chunks, err := src.Chunks(sourceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Error("fetched source produced no chunks")
	}
}

func TestFetch_RespectsRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		_, _ = w.Write([]byte("<html><body>secret</body></html>"))
	}))
	defer srv.Close()

	f := NewFetcher("", 0, 0, "", "", "")
	if _, err := f.Fetch(context.Background(), srv.URL+"/private/page", t.TempDir()); err == nil {
		t.Error("expected robots.txt refusal")
	}
}

func TestFetch_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher("", 0, 0, "", "", "")
	if _, err := f.Fetch(context.Background(), srv.URL+"/missing", t.TempDir()); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestSlugFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/Lessons/Entry-Models", "example-com-lessons-entry-models"},
		{"https://example.com/", "example-com"},
	}
	for _, tt := range tests {
		got, err := slugFromURL(tt.url)
		if err != nil {
			t.Fatalf("slugFromURL(%q): %v", tt.url, err)
		}
		if got != tt.want {
			t.Errorf("slugFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
