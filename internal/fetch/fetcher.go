// SPDX-License-Identifier: MIT

// Package fetch implements the worker executor: it pulls one artifact from
// its source, streams it to an atomically-committed file below the library
// root, and classifies every failure as transient or fatal. Workers are the
// only component touching sources and the output filesystem.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/time/rate"

	"github.com/ManuGH/soundgrab/internal/library"
	"github.com/ManuGH/soundgrab/internal/log"
	"github.com/ManuGH/soundgrab/internal/metrics"
	"github.com/ManuGH/soundgrab/internal/queue"
)

// chunkSize is the transfer granularity. Each chunk is a cooperative
// cancellation checkpoint and a progress report, so cancel latency is
// bounded by one chunk of I/O.
const chunkSize = 256 * 1024

// Fetcher acquires artifacts over HTTP.
type Fetcher struct {
	client *http.Client
	root   string

	// Per-host politeness limiters; zero ratePerHost disables them.
	ratePerHost float64
	burst       int
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient overrides the HTTP client (for tests and custom transports).
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithHostRate throttles request starts per source host.
func WithHostRate(perSecond float64, burst int) Option {
	return func(f *Fetcher) {
		f.ratePerHost = perSecond
		f.burst = burst
	}
}

// NewFetcher returns a Fetcher writing below root.
func NewFetcher(root string, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 0}, // transfers are bounded by ctx, not a wall clock
		root:     root,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ queue.Executor = (*Fetcher)(nil)

// Execute performs one acquisition attempt. It never returns an artifact on
// any outcome other than success and never lets an error escape as a panic
// or a raw return; everything is folded into the outcome.
func (f *Fetcher) Execute(ctx context.Context, taskID string, payload queue.Payload, progress queue.ProgressFunc) queue.Outcome {
	logger := log.WithComponentFromContext(ctx, "fetch")

	src, err := url.Parse(payload.SourceURL)
	if err != nil || (src.Scheme != "http" && src.Scheme != "https") || src.Host == "" {
		return fatal(fmt.Errorf("malformed source locator %q", payload.SourceURL))
	}

	if lim := f.limiter(src.Host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return aborted()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if err != nil {
		return fatal(fmt.Errorf("build request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return aborted()
		}
		return transient(fmt.Errorf("contact source: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if outcome, ok := classifyStatus(resp.StatusCode); !ok {
		return outcome
	}

	// The source has responded: only now can templated destinations be
	// resolved.
	dest, meta, err := resolveDestination(f.root, payload, src, resp)
	if err != nil {
		return fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fatal(fmt.Errorf("create destination directory: %w", err))
	}

	written, outcome := f.transfer(ctx, resp, dest, progress)
	if outcome != nil {
		return *outcome
	}

	logger.Info().
		Str(log.FieldPath, dest).
		Int64("bytes", written).
		Msg("artifact committed")

	return queue.Outcome{
		Kind: queue.OutcomeSuccess,
		Draft: &library.Draft{
			Title:       meta.Title,
			Artist:      meta.Artist,
			Album:       meta.Album,
			SizeBytes:   written,
			ContentType: resp.Header.Get("Content-Type"),
			OutputPath:  dest,
		},
	}
}

// transfer streams the response body into an atomically-replaced file. It
// returns a non-nil outcome on any failure or abort; in those cases the
// pending temp file is cleaned up and no partial artifact remains.
func (f *Fetcher) transfer(ctx context.Context, resp *http.Response, dest string, progress queue.ProgressFunc) (int64, *queue.Outcome) {
	pending, err := renameio.NewPendingFile(dest)
	if err != nil {
		return 0, outcomePtr(fatal(fmt.Errorf("create pending file: %w", err)))
	}
	defer func() { _ = pending.Cleanup() }()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, chunkSize)
	for {
		// Cooperative checkpoint before each chunk.
		select {
		case <-ctx.Done():
			return written, outcomePtr(aborted())
		default:
		}

		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, err := pending.Write(buf[:n]); err != nil {
				return written, outcomePtr(fatal(fmt.Errorf("write destination: %w", err)))
			}
			written += int64(n)
			metrics.AddFetchBytes(int64(n))
			progress(percentOf(written, total))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, outcomePtr(aborted())
			}
			return written, outcomePtr(transient(fmt.Errorf("read source: %w", readErr)))
		}
	}

	if total >= 0 && written != total {
		return written, outcomePtr(transient(fmt.Errorf("truncated transfer: got %d of %d bytes", written, total)))
	}

	// Last checkpoint before the artifact becomes visible.
	if ctx.Err() != nil {
		return written, outcomePtr(aborted())
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return written, outcomePtr(fatal(fmt.Errorf("commit artifact: %w", err)))
	}
	progress(100)
	return written, nil
}

// limiter returns the politeness limiter for host, creating it on first use.
func (f *Fetcher) limiter(host string) *rate.Limiter {
	if f.ratePerHost <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		burst := f.burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(f.ratePerHost), burst)
		f.limiters[host] = lim
	}
	return lim
}

// classifyStatus maps an HTTP status to an outcome. ok=true means the
// transfer may proceed.
func classifyStatus(code int) (queue.Outcome, bool) {
	switch {
	case code == http.StatusOK:
		return queue.Outcome{}, true
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return transient(fmt.Errorf("source returned status %d", code)), false
	default:
		return fatal(fmt.Errorf("source returned status %d", code)), false
	}
}

func percentOf(written, total int64) float64 {
	if total <= 0 {
		return -1
	}
	p := float64(written) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

func transient(err error) queue.Outcome {
	return queue.Outcome{Kind: queue.OutcomeTransient, Err: err}
}

func fatal(err error) queue.Outcome {
	return queue.Outcome{Kind: queue.OutcomeFatal, Err: err}
}

func aborted() queue.Outcome {
	return queue.Outcome{Kind: queue.OutcomeAborted, Err: context.Canceled}
}

func outcomePtr(o queue.Outcome) *queue.Outcome {
	return &o
}
