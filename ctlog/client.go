// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ctlog implements the read side of the RFC 6962 certificate
// transparency log API: the signed tree head and ranges of raw entries.
//
// Every request is retried on any failure other than context cancellation,
// with a fixed delay between attempts.
package ctlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

const (
	// DefaultMaxTries is how many times a request is attempted by default.
	DefaultMaxTries = 5
	// DefaultRetryDelay is the fixed pause between two attempts.
	DefaultRetryDelay = 30 * time.Second
	// DefaultRequestTimeout bounds a single attempt.
	DefaultRequestTimeout = 5 * time.Minute

	userAgent = "ctmirror/1.0"

	// maxErrorBody is how much of an unexpected reply ends up in the error.
	maxErrorBody = 256
)

// Options configures a Client.
type Options struct {
	// MaxTries is the total number of attempts per request, including the
	// first one. Defaults to DefaultMaxTries if <= 0.
	MaxTries int
	// RetryDelay is the pause between attempts. Defaults to DefaultRetryDelay
	// if 0.
	RetryDelay time.Duration
	// RequestTimeout bounds each attempt. Defaults to DefaultRequestTimeout if
	// 0, negative means no timeout.
	RequestTimeout time.Duration

	// RequestsPerSecond, if positive, limits the request rate of this client.
	RequestsPerSecond float64
	// Concurrency, if set, is acquired around every HTTP round trip. Share one
	// semaphore between clients to cap the number of requests in flight
	// process-wide.
	Concurrency *semaphore.Weighted

	// Transport overrides the default transport, which skips TLS certificate
	// verification. Used by tests.
	Transport http.RoundTripper
}

// Client talks to one CT log.
//
// It is safe for concurrent use, but the synchronizer only ever has one
// request in flight per log.
type Client struct {
	Endpoint Endpoint

	maxTries       int
	retryDelay     time.Duration
	requestTimeout time.Duration
	http           *http.Client
}

// NewClient returns a Client for the given log.
func NewClient(ep Endpoint, opts Options) *Client {
	c := &Client{
		Endpoint:       ep,
		maxTries:       opts.MaxTries,
		retryDelay:     opts.RetryDelay,
		requestTimeout: opts.RequestTimeout,
		http:           &http.Client{Transport: newTransport(opts)},
	}
	if c.maxTries <= 0 {
		c.maxTries = DefaultMaxTries
	}
	if c.retryDelay == 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.requestTimeout == 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	return c
}

// TreeHead is the part of a signed tree head the mirror cares about.
type TreeHead struct {
	TreeSize int64
	// Timestamp is in milliseconds since the epoch, as reported by the log.
	Timestamp         uint64
	RootHash          string
	TreeHeadSignature string
}

// EntryBatch is one page of raw log entries.
type EntryBatch struct {
	// Start is the index of the first entry.
	Start int64
	// End is the index of the last entry, Start+len(Entries)-1.
	End int64
	// Entries are the entries exactly as the log returned them.
	Entries []json.RawMessage
}

// GetSTH fetches the current signed tree head.
func (c *Client) GetSTH(ctx context.Context) (*TreeHead, error) {
	var reply struct {
		TreeSize          *int64 `json:"tree_size"`
		Timestamp         uint64 `json:"timestamp"`
		RootHash          string `json:"sha256_root_hash"`
		TreeHeadSignature string `json:"tree_head_signature"`
	}
	u := c.Endpoint.BaseURL + "/ct/v1/get-sth"
	if err := c.Fetch(ctx, u, &reply); err != nil {
		return nil, err
	}
	if reply.TreeSize == nil || *reply.TreeSize < 0 {
		return nil, errors.Fmt("%s: %w", u, ErrMissingTreeSize)
	}
	return &TreeHead{
		TreeSize:          *reply.TreeSize,
		Timestamp:         reply.Timestamp,
		RootHash:          reply.RootHash,
		TreeHeadSignature: reply.TreeHeadSignature,
	}, nil
}

// GetEntries fetches entries [start, end], both inclusive.
//
// The log may return fewer entries than asked for; the returned batch
// reflects what was actually received.
func (c *Client) GetEntries(ctx context.Context, start, end int64) (*EntryBatch, error) {
	if start < 0 || end < start {
		return nil, errors.Fmt("bad entries range [%d, %d]", start, end)
	}
	var reply struct {
		Entries *[]json.RawMessage `json:"entries"`
	}
	u := fmt.Sprintf("%s/ct/v1/get-entries?start=%d&end=%d", c.Endpoint.BaseURL, start, end)
	if err := c.Fetch(ctx, u, &reply); err != nil {
		return nil, err
	}
	if reply.Entries == nil {
		return nil, errors.Fmt("%s: %w", u, ErrMissingEntries)
	}
	entries := *reply.Entries
	return &EntryBatch{
		Start:   start,
		End:     start + int64(len(entries)) - 1,
		Entries: entries,
	}, nil
}

// Fetch GETs the URL and decodes the JSON reply into out.
//
// Failed attempts are retried, see Options. Once all attempts are used up it
// returns *RequestExhaustedError. If ctx is canceled, returns ctx.Err()
// without retrying.
func (c *Client) Fetch(ctx context.Context, u string, out any) error {
	ep := endpointName(u)
	attempts := 0
	err := retry.Retry(ctx, transient.Only(c.retryPolicy), func() error {
		attempts++
		return c.fetchOnce(ctx, ep, u, out)
	}, func(err error, d time.Duration) {
		retryCount.Add(ctx, 1, ep)
		logging.WithError(err).Warningf(ctx, "CT request failed: %s (attempt %d of %d), retrying in %s...",
			u, attempts, c.maxTries, d)
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case transient.Tag.In(err):
		return &RequestExhaustedError{URL: u, Attempts: attempts, Err: err}
	default:
		return err
	}
}

func (c *Client) retryPolicy() retry.Iterator {
	return &retry.Limited{
		Delay:   c.retryDelay,
		Retries: c.maxTries - 1,
	}
}

// fetchOnce makes a single attempt. Everything except cancellation of ctx is
// tagged as transient.
func (c *Client) fetchOnce(ctx context.Context, ep, u string, out any) error {
	rctx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Fmt("bad request URL: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		requestCount.Add(ctx, 1, ep, 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transient.Tag.Apply(errors.Fmt("failed to call the log: %w", err))
	}
	defer resp.Body.Close()
	requestCount.Add(ctx, 1, ep, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transient.Tag.Apply(errors.Fmt("failed to read the reply: %w", err))
	}

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK || !strings.Contains(ct, "application/json") {
		err := errors.Fmt("unexpected reply: HTTP %d - %q - %q", resp.StatusCode, ct, excerpt(body))
		return transient.Tag.Apply(StatusCodeTag.ApplyValue(err, resp.StatusCode))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return transient.Tag.Apply(errors.Fmt("can't deserialize JSON: %w", err))
	}
	return nil
}

// endpointName is "get-sth" or "get-entries", used as a metric field.
func endpointName(u string) string {
	if parsed, err := url.Parse(u); err == nil {
		return path.Base(parsed.Path)
	}
	return "unknown"
}

func excerpt(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
