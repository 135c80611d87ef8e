package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/javier96ke/plazas/pkg/backend"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
	"github.com/javier96ke/plazas/pkg/store"
	"github.com/javier96ke/plazas/pkg/telemetry"
)

// FailCause classifies why a fetch could not make a period resident.
type FailCause string

const (
	CauseNoIndexEntry     FailCause = "sin_entrada"
	CauseNoLocator        FailCause = "sin_url"
	CauseTimeout          FailCause = "timeout"
	CauseHTTP             FailCause = "http"
	CauseNetwork          FailCause = "error_red"
	CauseParse            FailCause = "parse_fallido"
	CauseExhaustedRetries FailCause = "reintentos_agotados"
)

// FetchError is the typed failure surfaced to callers. None of these
// are fatal to the process.
type FetchError struct {
	Cause FailCause
	Label string
	Code  int   // HTTP status, when Cause == CauseHTTP
	Err   error // underlying error, when any
	Last  *FetchError
}

// Error renders the original reason-string format, e.g. "timeout_2023-05"
// or "http_404_2023-05".
func (e *FetchError) Error() string {
	switch e.Cause {
	case CauseHTTP:
		return fmt.Sprintf("%s_%d_%s", e.Cause, e.Code, e.Label)
	case CauseExhaustedRetries:
		if e.Last != nil {
			return fmt.Sprintf("%s_%s: %s", e.Cause, e.Label, e.Last.Error())
		}
		return fmt.Sprintf("%s_%s", e.Cause, e.Label)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s_%s: %v", e.Cause, e.Label, e.Err)
		}
		return fmt.Sprintf("%s_%s", e.Cause, e.Label)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Ensure outcomes, reported for logging and the status endpoint.
const (
	SourceBackendHit = "cache_hit"
	SourceLocal      = "ok_local"
	SourceRemote     = "ok_remote"
)

// Fetcher guarantees a period is resident, choosing the cheapest
// source: acceleration backend, the period store, or a remote download
// with bounded retries.
type Fetcher struct {
	store   *store.PeriodStore
	index   *Index
	backend backend.Backend // may be nil
	client  *http.Client

	Timeout    time.Duration
	MaxRetries int

	// sleep is swappable so retry tests don't wait out real backoffs
	sleep func(time.Duration)
}

// NewFetcher builds a fetcher. be may be nil.
func NewFetcher(s *store.PeriodStore, ix *Index, be backend.Backend, timeout time.Duration, maxRetries int) *Fetcher {
	return &Fetcher{
		store:      s,
		index:      ix,
		backend:    be,
		client:     &http.Client{},
		Timeout:    timeout,
		MaxRetries: maxRetries,
		sleep:      time.Sleep,
	}
}

// Ensure makes the (year, month) period available for computation.
// It returns the source that satisfied the request, or a *FetchError.
//
// Order:
//  1. backend already caches the key        → cache_hit
//  2. store holds the key (any origin)      → ok_local (re-mirrored)
//  3. remote download with linear backoff   → ok_remote
func (f *Fetcher) Ensure(ctx context.Context, year, month int) (string, error) {
	key, err := period.Encode(year, month)
	if err != nil {
		return "", err
	}
	f.store.Touch(key)

	if f.backend != nil && f.backend.IsCached(key) {
		return SourceBackendHit, nil
	}

	if f.store.Contains(key) {
		// Mirror failure is non-fatal: the in-memory path still works
		f.store.Mirror(key)
		return SourceLocal, nil
	}

	attempts := 1 + f.MaxRetries
	var last *FetchError
	for attempt := 1; attempt <= attempts; attempt++ {
		ferr := f.download(ctx, key)
		if ferr == nil {
			return SourceRemote, nil
		}
		// A period absent from the manifest cannot be retried away
		if ferr.Cause == CauseNoIndexEntry || ferr.Cause == CauseNoLocator {
			return "", ferr
		}
		last = ferr
		if attempt < attempts {
			wait := time.Duration(2*attempt) * time.Second
			log.Printf("⚠️  ensure %s: retry %d/%d in %v (%s)", key, attempt, f.MaxRetries, wait, ferr)
			telemetry.DownloadRetries.Inc()
			f.sleep(wait)
		}
	}
	return "", &FetchError{Cause: CauseExhaustedRetries, Label: key.String(), Last: last}
}

// download performs one fetch attempt and installs the period on
// success. The store lock is never held across the network call.
func (f *Fetcher) download(ctx context.Context, key period.Key) *FetchError {
	label := key.String()

	entry, ok := f.index.Lookup(label)
	if !ok {
		return &FetchError{Cause: CauseNoIndexEntry, Label: label}
	}
	locator := entry.Locator()
	if locator == "" {
		return &FetchError{Cause: CauseNoLocator, Label: label}
	}

	log.Printf("⬇️  Downloading %s…", label)
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, locator, nil)
	if err != nil {
		telemetry.DownloadsTotal.WithLabelValues("network_error").Inc()
		return &FetchError{Cause: CauseNetwork, Label: label, Err: err}
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			telemetry.DownloadsTotal.WithLabelValues("timeout").Inc()
			return &FetchError{Cause: CauseTimeout, Label: label, Err: err}
		}
		telemetry.DownloadsTotal.WithLabelValues("network_error").Inc()
		return &FetchError{Cause: CauseNetwork, Label: label, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		telemetry.DownloadsTotal.WithLabelValues("http_error").Inc()
		return &FetchError{Cause: CauseHTTP, Label: label, Code: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			telemetry.DownloadsTotal.WithLabelValues("timeout").Inc()
			return &FetchError{Cause: CauseTimeout, Label: label, Err: err}
		}
		telemetry.DownloadsTotal.WithLabelValues("network_error").Inc()
		return &FetchError{Cause: CauseNetwork, Label: label, Err: err}
	}
	log.Printf("✅ %s: %d KB in %.1fs", label, len(raw)/1024, time.Since(start).Seconds())

	name := entry.Name
	if name == "" {
		name = label
	}
	ds, err := dataset.Parse(raw, name)
	if err != nil || ds.Empty() {
		telemetry.DownloadsTotal.WithLabelValues("parse_failed").Inc()
		return &FetchError{Cause: CauseParse, Label: label, Err: err}
	}

	f.store.PutHistorical(key, ds)
	f.store.Mirror(key)
	telemetry.DownloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
