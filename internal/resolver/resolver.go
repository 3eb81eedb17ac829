package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/skydir/trustpipe/internal/domain"
	"github.com/skydir/trustpipe/internal/httpclient"
	"github.com/skydir/trustpipe/internal/rate"
)

// Resolver is the identity collaborator: it maps a DID to its current
// handle and fetches the DID's recent public posts. Both calls hit the
// network and may fail; failures are retryable errors, never crashes.
type Resolver interface {
	ResolveDID(ctx context.Context, did string) (domain.Identity, error)
	RecentPosts(ctx context.Context, did string, limit int) ([]domain.Post, error)
}

// HTTP resolves identities against an AT-proto appview. Profile lookups are
// cached briefly; post fetches are not (evaluation needs fresh evidence).
type HTTP struct {
	base    string
	host    string
	client  *httpclient.ResilientClient
	limiter *rate.PerHost
	cache   *expirable.LRU[string, domain.Identity]
	timeout time.Duration
}

func NewHTTP(base string, client *httpclient.ResilientClient, limiter *rate.PerHost, timeout time.Duration) (*HTTP, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("resolver base: %w", err)
	}
	return &HTTP{
		base:    base,
		host:    u.Host,
		client:  client,
		limiter: limiter,
		cache:   expirable.NewLRU[string, domain.Identity](4096, nil, 5*time.Minute),
		timeout: timeout,
	}, nil
}

func (r *HTTP) get(ctx context.Context, path string, query url.Values, out any) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, r.host); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.base+path+"?"+query.Encode())
	if err != nil {
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return fmt.Errorf("resolver: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resolver: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("resolver: decode: %w", err)
	}
	return nil
}

func (r *HTTP) ResolveDID(ctx context.Context, did string) (domain.Identity, error) {
	if id, ok := r.cache.Get(did); ok {
		return id, nil
	}
	var body struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	}
	q := url.Values{"actor": {did}}
	if err := r.get(ctx, "/xrpc/app.bsky.actor.getProfile", q, &body); err != nil {
		return domain.Identity{}, err
	}
	id := domain.Identity{DID: body.DID, Handle: body.Handle, ServiceEndpoint: r.base}
	r.cache.Add(did, id)
	return id, nil
}

func (r *HTTP) RecentPosts(ctx context.Context, did string, limit int) ([]domain.Post, error) {
	var body struct {
		Feed []struct {
			Post struct {
				URI    string `json:"uri"`
				Author struct {
					DID string `json:"did"`
				} `json:"author"`
				Record struct {
					Text      string `json:"text"`
					CreatedAt string `json:"createdAt"`
				} `json:"record"`
			} `json:"post"`
		} `json:"feed"`
	}
	q := url.Values{"actor": {did}, "limit": {strconv.Itoa(limit)}}
	if err := r.get(ctx, "/xrpc/app.bsky.feed.getAuthorFeed", q, &body); err != nil {
		return nil, err
	}
	posts := make([]domain.Post, 0, len(body.Feed))
	for _, item := range body.Feed {
		createdAt, _ := time.Parse(time.RFC3339, item.Post.Record.CreatedAt)
		posts = append(posts, domain.Post{
			URI:       item.Post.URI,
			Text:      item.Post.Record.Text,
			AuthorDID: item.Post.Author.DID,
			CreatedAt: createdAt,
		})
	}
	return posts, nil
}
