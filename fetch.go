// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/die-net/lrucache"
	"github.com/fcjr/aia-transport-go"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxSourceSize bounds how many source bytes a single fetch
	// may produce, protecting the pipeline from memory exhaustion.
	DefaultMaxSourceSize = 20 << 20 // 20 MB

	// DefaultFetchRetries is the number of attempts made for transient
	// fetch failures.
	DefaultFetchRetries = 3

	// DefaultFetchTimeout bounds a single remote retrieval attempt.
	DefaultFetchTimeout = 10 * time.Second

	// source bytes are kept this long in the fetcher's cache
	sourceCacheMaxAge = 60 // seconds
)

// Backend retrieves original image bytes for a source ref.
type Backend interface {
	// Fetch returns the raw bytes for ref, classified with the request
	// error taxonomy on failure.
	Fetch(ctx context.Context, ref SourceRef) ([]byte, error)
}

// Fetcher resolves source refs to image bytes.  Concurrent fetches of
// the same ref share one in-flight retrieval, transient failures are
// retried with exponential backoff, and recently fetched bytes are held
// in a byte-bounded cache.  Failures are never cached.
type Fetcher struct {
	// Local serves SourceLocal refs.  Nil rejects local refs.
	Local Backend

	// Remote serves SourceRemote refs.  Nil rejects remote refs.
	Remote Backend

	// Retries is the number of attempts for transient failures.
	// Zero means DefaultFetchRetries.
	Retries int

	// Backoff is the delay before the second attempt, doubling per
	// attempt.  Zero means 100ms.
	Backoff time.Duration

	group singleflight.Group
	cache *lrucache.LruCache
}

// NewFetcher constructs a Fetcher with a source cache of cacheSize
// bytes backed by the given local and remote backends.
func NewFetcher(local, remote Backend, cacheSize int64) *Fetcher {
	return &Fetcher{
		Local:  local,
		Remote: remote,
		cache:  lrucache.New(cacheSize, sourceCacheMaxAge),
	}
}

// Fetch resolves ref to its raw bytes.  The returned slice is shared
// read-only with other requests for the same ref and must not be
// modified.
func (f *Fetcher) Fetch(ctx context.Context, ref SourceRef) ([]byte, error) {
	id := ref.Identity()
	if f.cache != nil {
		if b, ok := f.cache.Get(id); ok {
			return b, nil
		}
	}

	// one retrieval per ref no matter how many requests want it
	v, err, _ := f.group.Do(id, func() (interface{}, error) {
		b, err := f.fetchWithRetry(ctx, ref)
		if err != nil {
			return nil, err
		}
		if f.cache != nil {
			f.cache.Set(id, b)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, ref SourceRef) ([]byte, error) {
	backend, err := f.backend(ref)
	if err != nil {
		return nil, err
	}

	retries := f.Retries
	if retries <= 0 {
		retries = DefaultFetchRetries
	}
	backoff := f.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff << (attempt - 1)):
			case <-ctx.Done():
				return nil, wrapKind(KindSourceUnavailable, ctx.Err())
			}
		}
		b, err := backend.Fetch(ctx, ref)
		if err == nil {
			return b, nil
		}
		// only transient failures are worth another attempt
		if !IsKind(err, KindSourceUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Fetcher) backend(ref SourceRef) (Backend, error) {
	switch ref.Kind {
	case SourceLocal:
		if f.Local != nil {
			return f.Local, nil
		}
	case SourceRemote:
		if f.Remote != nil {
			return f.Remote, nil
		}
	}
	return nil, errKind(KindSourceNotFound, "no backend for source %q", ref.Identity())
}

// LocalStore serves images from a directory on disk.
type LocalStore struct {
	// Root directory of the origin store.
	Root string

	// MaxSize bounds the size of a served file.  Zero means
	// DefaultMaxSourceSize.
	MaxSize int64
}

// Fetch reads the file named by ref.Path under the store root.  Path
// traversal outside the root is rejected as not found.
func (s *LocalStore) Fetch(_ context.Context, ref SourceRef) ([]byte, error) {
	name := path.Clean("/" + ref.Path)[1:]
	if name == "" || strings.HasPrefix(name, "..") {
		return nil, errKind(KindSourceNotFound, "invalid source path %q", ref.Path)
	}

	full := filepath.Join(s.Root, filepath.FromSlash(name))
	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errKind(KindSourceNotFound, "no such source %q", ref.Path)
		}
		return nil, wrapKind(KindSourceUnavailable, err)
	}
	if max := s.maxSize(); fi.Size() > max {
		return nil, errKind(KindSourceTooLarge, "source %q is %d bytes, limit %d", ref.Path, fi.Size(), max)
	}

	b, err := os.ReadFile(full)
	if err != nil {
		return nil, wrapKind(KindSourceUnavailable, err)
	}
	return b, nil
}

func (s *LocalStore) maxSize() int64 {
	if s.MaxSize > 0 {
		return s.MaxSize
	}
	return DefaultMaxSourceSize
}

// RemoteStore fetches images over HTTP with a bounded timeout and
// response size.
type RemoteStore struct {
	// Client used for retrievals.  Nil uses a client with an
	// AIA-chasing transport and DefaultFetchTimeout.
	Client *http.Client

	// UserAgent sent with requests, if non-empty.
	UserAgent string

	// MaxSize bounds the size of a fetched body.  Zero means
	// DefaultMaxSourceSize.
	MaxSize int64
}

// NewRemoteStore constructs a RemoteStore whose client follows AIA
// certificate chains and applies timeout per retrieval.
func NewRemoteStore(timeout time.Duration, maxSize int64) (*RemoteStore, error) {
	tr, err := aia.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("building transport: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &RemoteStore{
		Client:  &http.Client{Transport: tr, Timeout: timeout},
		MaxSize: maxSize,
	}, nil
}

// Fetch retrieves ref.URL.  A 404 or 410 from the origin is
// SourceNotFound; other failures are SourceUnavailable and eligible
// for retry by the Fetcher.
func (s *RemoteStore) Fetch(ctx context.Context, ref SourceRef) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL.String(), nil)
	if err != nil {
		return nil, errKind(KindSourceNotFound, "invalid source URL %q", ref.URL)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, wrapKind(KindSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, errKind(KindSourceNotFound, "remote returned %v for %q", resp.Status, ref.URL)
	case resp.StatusCode != http.StatusOK:
		return nil, errKind(KindSourceUnavailable, "remote returned %v for %q", resp.Status, ref.URL)
	}

	max := s.MaxSize
	if max <= 0 {
		max = DefaultMaxSourceSize
	}
	if resp.ContentLength > max {
		return nil, errKind(KindSourceTooLarge, "source %q is %d bytes, limit %d", ref.URL, resp.ContentLength, max)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, wrapKind(KindSourceUnavailable, err)
	}
	if int64(len(b)) > max {
		return nil, errKind(KindSourceTooLarge, "source %q exceeds %d byte limit", ref.URL, max)
	}
	return b, nil
}
