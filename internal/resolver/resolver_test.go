package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skydir/trustpipe/internal/httpclient"
)

func newTestResolver(t *testing.T, handler http.Handler) (*HTTP, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r, err := NewHTTP(srv.URL, httpclient.NewResilientClient(nil, "trustpipe-test/1.0"), nil, 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return r, srv
}

func TestResolveDID(t *testing.T) {
	var calls int32
	r, _ := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/xrpc/app.bsky.actor.getProfile" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		if req.URL.Query().Get("actor") != "did:plc:alpha" {
			t.Errorf("unexpected actor %s", req.URL.Query().Get("actor"))
		}
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"did":"did:plc:alpha","handle":"alpha.example.com"}`))
	}))

	id, err := r.ResolveDID(context.Background(), "did:plc:alpha")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.DID != "did:plc:alpha" || id.Handle != "alpha.example.com" {
		t.Errorf("unexpected identity: %+v", id)
	}

	// Second lookup is served from cache.
	if _, err := r.ResolveDID(context.Background(), "did:plc:alpha"); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 upstream call, got %d", got)
	}
}

func TestResolveDID_UpstreamError(t *testing.T) {
	r, _ := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	if _, err := r.ResolveDID(context.Background(), "did:plc:gone"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecentPosts(t *testing.T) {
	feed := `{"feed":[
		{"post":{"uri":"at://did:plc:alpha/app.bsky.feed.post/1","author":{"did":"did:plc:alpha"},"record":{"text":"hello nonce-abc","createdAt":"2026-08-29T10:00:00Z"}}},
		{"post":{"uri":"at://did:plc:other/app.bsky.feed.post/2","author":{"did":"did:plc:other"},"record":{"text":"reposted","createdAt":"2026-08-29T10:01:00Z"}}}
	]}`
	r, _ := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/xrpc/app.bsky.feed.getAuthorFeed" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		if req.URL.Query().Get("limit") != "50" {
			t.Errorf("unexpected limit %s", req.URL.Query().Get("limit"))
		}
		w.Write([]byte(feed))
	}))

	posts, err := r.RecentPosts(context.Background(), "did:plc:alpha", 50)
	if err != nil {
		t.Fatalf("recent posts: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}
	if posts[0].AuthorDID != "did:plc:alpha" || posts[0].Text != "hello nonce-abc" {
		t.Errorf("unexpected post: %+v", posts[0])
	}
	want := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if !posts[0].CreatedAt.Equal(want) {
		t.Errorf("expected createdAt %v, got %v", want, posts[0].CreatedAt)
	}
	// The feed can contain reposts authored by others; they come through
	// and the challenge engine filters on author.
	if posts[1].AuthorDID != "did:plc:other" {
		t.Errorf("unexpected second author: %s", posts[1].AuthorDID)
	}
}
