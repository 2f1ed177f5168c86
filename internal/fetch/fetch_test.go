package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/probatio/probatio/internal/model"
)

func testFetcher() *Fetcher {
	return New(model.FetchConfig{
		UserAgent:    "probatio-test",
		Timeout:      5 * time.Second,
		MaxBodyBytes: 1 << 20,
	})
}

func TestFetchTextExtractsVisibleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>t</title><script>var x=1;</script></head>
			<body><p>Visible paragraph.</p><style>p{}</style><p>Second one.</p></body></html>`))
	}))
	defer srv.Close()

	got, err := testFetcher().FetchText(context.Background(), srv.URL+"/doc")
	if err != nil {
		t.Fatalf("FetchText: %v", err)
	}
	if !strings.Contains(got, "Visible paragraph.") || !strings.Contains(got, "Second one.") {
		t.Errorf("visible text missing content: %q", got)
	}
	if strings.Contains(got, "var x=1") || strings.Contains(got, "p{}") {
		t.Errorf("script/style leaked into text: %q", got)
	}
}

func TestFetchTextRespectsRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		w.Write([]byte("should not be fetched"))
	}))
	defer srv.Close()

	_, err := testFetcher().FetchText(context.Background(), srv.URL+"/private/doc")
	if err == nil {
		t.Fatal("expected robots.txt disallow to fail the fetch")
	}
	if model.IsRetryable(err) {
		t.Errorf("disallow should not be retryable: %v", err)
	}
}

func TestFetchTextServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testFetcher().FetchText(context.Background(), srv.URL+"/doc")
	if err == nil {
		t.Fatal("expected error on 500")
	}
	if !model.IsRetryable(err) {
		t.Errorf("500 should be transient: %v", err)
	}
}

func TestFetchTextNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testFetcher().FetchText(context.Background(), srv.URL+"/gone")
	if err == nil {
		t.Fatal("expected error on 404")
	}
	if model.IsRetryable(err) {
		t.Errorf("404 should not be retryable: %v", err)
	}
}

func TestFetchTextCapsBodySize(t *testing.T) {
	big := strings.Repeat("a", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(big))
	}))
	defer srv.Close()

	f := New(model.FetchConfig{UserAgent: "probatio-test", Timeout: 5 * time.Second, MaxBodyBytes: 1024})
	got, err := f.FetchText(context.Background(), srv.URL+"/big")
	if err != nil {
		t.Fatalf("FetchText: %v", err)
	}
	if len(got) > 1024 {
		t.Errorf("body length %d exceeds cap 1024", len(got))
	}
}

func TestVisibleTextMalformedFallsBack(t *testing.T) {
	in := "just plain text, no markup"
	if got := VisibleText(in); !strings.Contains(got, "plain text") {
		t.Errorf("VisibleText(%q) = %q", in, got)
	}
}
