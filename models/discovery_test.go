package models

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const indexPage = `<!doctype html>
<html><body>
<h1>Released networks</h1>
<ul>
<li><a href="/weights/breakthrough-28x10.onnx">breakthrough 28x10</a></li>
<li><a href="weights/breakthrough-40x12.onnx">breakthrough 40x12</a></li>
<li><a href="https://cdn.example.org/nets/endgame.ONNX">endgame specialist</a></li>
<li><a href="/docs/readme.html">readme</a></li>
<li><a href="/weights/breakthrough-28x10.onnx">duplicate link</a></li>
</ul>
</body></html>`

func TestParseIndex(t *testing.T) {
	refs, err := ParseIndex(strings.NewReader(indexPage), "https://models.example.org/index.html")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 4 {
		t.Fatalf("found %d links, want 4 (dedup happens in Discover)", len(refs))
	}
	if refs[0].URL != "https://models.example.org/weights/breakthrough-28x10.onnx" {
		t.Fatalf("absolute link not resolved: %s", refs[0].URL)
	}
	if refs[1].URL != "https://models.example.org/weights/breakthrough-40x12.onnx" {
		t.Fatalf("relative link not resolved: %s", refs[1].URL)
	}
	if refs[2].URL != "https://cdn.example.org/nets/endgame.ONNX" {
		t.Fatalf("external link mangled: %s", refs[2].URL)
	}
	if refs[0].Name != "breakthrough-28x10.onnx" {
		t.Fatalf("name = %s", refs[0].Name)
	}
}

func TestDiscoverAndDownload(t *testing.T) {
	payload := []byte("onnx-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.html":
			_, _ = w.Write([]byte(`<a href="/net.onnx">net</a><a href="/net.onnx">again</a>`))
		case "/net.onnx":
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	config := DefaultConfig()
	config.IndexURLs = []string{srv.URL + "/index.html"}
	config.RequestDelay = 0
	client := NewClient(config)

	refs, err := client.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("discovered %d models, want 1 after dedup", len(refs))
	}

	dir := t.TempDir()
	path, err := client.Download(refs[0], dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatal("downloaded bytes mismatch")
	}
	if filepath.Base(path) != "net.onnx" {
		t.Fatalf("downloaded as %s", filepath.Base(path))
	}

	// second download is a no-op on the existing file.
	again, err := client.Download(refs[0], dir)
	if err != nil {
		t.Fatal(err)
	}
	if again != path {
		t.Fatal("re-download did not reuse the existing file")
	}
}
