// Package crawler defines the crawling capability injected into the
// dispatchers. Implementations fetch a single URL and report the outcome as a
// domain.CrawlResult; the dispatcher core never looks past that contract.
package crawler

import (
	"context"
	"net/http"
	"time"

	"crawld/pkg/domain"
)

// RunConfig carries per-run settings handed to the crawler with every call.
// The dispatcher passes it through untouched.
type RunConfig struct {
	// UserAgent overrides the crawler's default User-Agent when non-empty.
	UserAgent string
	// Headers are extra request headers sent with every fetch.
	Headers http.Header
	// RequestTimeout bounds a single fetch; zero means the crawler's default.
	RequestTimeout time.Duration
	// MaxBodyBytes caps how much of a response body is read; zero means the
	// crawler's default.
	MaxBodyBytes int64
}

// Crawler is the capability that fetches a single URL. Implementations must
// be safe for concurrent use with distinct session IDs. A failed fetch is
// reported through the result (Success=false plus ErrorMessage); the error
// return is reserved for invocation problems such as a canceled context.
//
//go:generate mockgen -package mockcrawler -source=interface.go -destination=mock/mockcrawler.go *
type Crawler interface {
	// Run fetches the URL and returns its outcome. sessionID is the task ID of
	// the dispatching task and may be used to scope per-session resources.
	Run(ctx context.Context, URL string, cfg RunConfig, sessionID domain.TaskID) (*domain.CrawlResult, error)
}

// Func adapts a plain function to the Crawler interface.
type Func func(ctx context.Context, URL string, cfg RunConfig, sessionID domain.TaskID) (*domain.CrawlResult, error)

// Run calls f.
func (f Func) Run(ctx context.Context, URL string, cfg RunConfig, sessionID domain.TaskID) (*domain.CrawlResult, error) { //nolint: lll
	return f(ctx, URL, cfg, sessionID)
}
