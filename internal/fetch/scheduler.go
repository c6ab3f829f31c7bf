package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"streamdl/internal/logger"
	"streamdl/internal/plan"
)

// Result is the per-entry outcome of a scheduler run. Err is nil on
// success; Skipped marks entries satisfied by the local cache without
// a network request.
type Result struct {
	Index        int
	BytesWritten int64
	Skipped      bool
	Err          error
}

// Scheduler fetches a segment plan with bounded concurrency. A failed
// segment is recorded and the run continues: the gather is
// best-effort, gap handling belongs to the caller.
type Scheduler struct {
	client *http.Client
	keys   *KeyService
	logger logger.Logger

	Concurrency    int
	RequestTimeout time.Duration

	// OnProgress, when set, is invoked after each entry settles with
	// the number of settled entries and the plan length. The count is
	// monotone and ends at the plan length.
	OnProgress func(done, total int)
}

// NewScheduler creates a scheduler over the given client and key
// service.
func NewScheduler(client *http.Client, keys *KeyService, log logger.Logger, concurrency int, timeout time.Duration) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		client:         client,
		keys:           keys,
		logger:         log,
		Concurrency:    concurrency,
		RequestTimeout: timeout,
	}
}

// Run fetches every plan entry exactly once, skipping entries whose
// local file already exists. Completion order is unconstrained; the
// returned map is keyed by plan index.
func (s *Scheduler) Run(ctx context.Context, p *plan.Plan) map[int]Result {
	total := len(p.Entries)
	results := make([]Result, total)

	sem := make(chan struct{}, s.Concurrency)
	var wg sync.WaitGroup
	var done int64

	for i := range p.Entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = s.fetchEntry(ctx, &p.Entries[i])

			n := atomic.AddInt64(&done, 1)
			if s.OnProgress != nil {
				s.OnProgress(int(n), total)
			}
		}(i)
	}
	wg.Wait()

	out := make(map[int]Result, total)
	for _, r := range results {
		out[r.Index] = r
	}
	return out
}

func (s *Scheduler) fetchEntry(ctx context.Context, e *plan.Entry) Result {
	res := Result{Index: e.Index}

	// Idempotent resume: a non-empty file for this index is trusted.
	if fi, err := os.Stat(e.LocalPath); err == nil && fi.Size() > 0 {
		s.logger.Debugf("Segment %d already present at %s, skipping fetch", e.Index, e.LocalPath)
		res.Skipped = true
		res.BytesWritten = fi.Size()
		return res
	}

	// Cancellation is cooperative: checked here, between dispatches,
	// never mid-transfer.
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	data, err := s.download(ctx, e)
	if err != nil {
		res.Err = err
		return res
	}

	// Segment-level decryption happens here because the implicit IV
	// derives from the plan index, which assembly no longer sees.
	if e.Key != nil {
		key, err := s.keys.Get(ctx, e.Key.URI)
		if err != nil {
			res.Err = err
			return res
		}
		iv := e.Key.IV
		if iv == nil {
			iv = DeriveIV(e.Index)
		}
		if data, err = decryptCBC(data, key, iv); err != nil {
			res.Err = fmt.Errorf("failed to decrypt segment %d: %w", e.Index, err)
			return res
		}
	}

	if err := os.WriteFile(e.LocalPath, data, 0o644); err != nil {
		res.Err = fmt.Errorf("failed to write segment %d to %s: %w", e.Index, e.LocalPath, err)
		return res
	}
	res.BytesWritten = int64(len(data))
	return res
}

// download fetches one segment with a per-request timeout and bounded
// retries.
func (s *Scheduler) download(ctx context.Context, e *plan.Entry) ([]byte, error) {
	const maxRetries = 3
	const retryDelay = 100 * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		reqCtx := ctx
		if s.RequestTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.URL, nil)
		if err != nil {
			// Non-recoverable, don't retry.
			return nil, fmt.Errorf("failed to create request for segment %d: %w", e.Index, err)
		}

		s.logger.Debugf("Downloading segment %d (attempt %d/%d)", e.Index, attempt, maxRetries)
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("download attempt %d failed for segment %d: %w", attempt, e.Index, err)
			s.logger.Warnf(lastErr.Error())
			time.Sleep(retryDelay)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("download attempt %d for segment %d received non-200 status: %d", attempt, e.Index, resp.StatusCode)
			s.logger.Warnf(lastErr.Error())
			time.Sleep(retryDelay)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("download attempt %d for segment %d failed while reading body: %w", attempt, e.Index, err)
			s.logger.Warnf(lastErr.Error())
			time.Sleep(retryDelay)
			continue
		}
		return data, nil
	}

	return nil, fmt.Errorf("failed to download segment %d after %d attempts: %w", e.Index, maxRetries, lastErr)
}
