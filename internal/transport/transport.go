// Package transport implements HTTP range-request fetching against the
// remote origin (spec §4.4/§6.1): byte-range probing, ranged GETs with
// retry/backoff classification, and bearer-token auth via HF_TOKEN.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/scigolib/mrklcache/internal/errs"
)

// Transport fetches byte ranges from a single remote URL, retrying
// transient failures with exponential backoff and classifying permanent
// ones (4xx other than 429, malformed responses) so callers don't waste
// attempts on them.
type Transport struct {
	client     *http.Client
	maxRetries uint64
	log        *logrus.Entry
}

// New builds a Transport. With no options it uses http.DefaultClient
// wrapped with no auth header and a default attempt budget of 3 (spec
// §4.4: the initial attempt plus 2 retries). Options apply in order, so
// WithHTTPClient must precede WithToken if both are given.
func New(opts ...Option) *Transport {
	t := &Transport{
		client:     http.DefaultClient,
		maxRetries: 2,
		log:        logrus.WithField("component", "transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Probe determines the remote's total content length and whether it
// supports byte-range requests. It tries HEAD first; servers that don't
// expose Accept-Ranges on HEAD (or reject HEAD outright) fall back to a
// single-byte ranged GET, whose 206 response and Content-Range header give
// the same answer.
func (t *Transport) Probe(ctx context.Context, url string) (totalSize uint64, supportsRanges bool, err error) {
	if size, ok, herr := t.probeHead(ctx, url); herr == nil && ok {
		return size, true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, errs.Wrap(errs.InvalidArgument, "building probe request", err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, false, errs.Wrap(errs.Io, "probing remote", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusPartialContent:
		size, perr := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if perr != nil {
			return 0, false, perr
		}
		return size, true, nil
	case http.StatusOK:
		size := uint64(resp.ContentLength) //nolint:gosec // ContentLength from trusted origin, clamped non-negative below
		if resp.ContentLength < 0 {
			return 0, false, errs.New(errs.Protocol, "remote did not report Content-Length and rejected range requests")
		}
		return size, false, nil
	default:
		return 0, false, errs.New(errs.Protocol, fmt.Sprintf("unexpected probe status %d", resp.StatusCode))
	}
}

func (t *Transport) probeHead(ctx context.Context, url string) (uint64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, errs.Wrap(errs.InvalidArgument, "building HEAD request", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, false, errs.Wrap(errs.Io, "sending HEAD request", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return 0, false, errs.New(errs.Protocol, "HEAD response unusable")
	}
	ranges := strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	return uint64(resp.ContentLength), ranges, nil //nolint:gosec // ContentLength checked non-negative above
}

// FetchRange fetches [start, start+length) from url, retrying transient
// failures. A successful return always has exactly length bytes.
func (t *Transport) FetchRange(ctx context.Context, url string, start, length uint64) ([]byte, error) {
	var out []byte
	end := start + length - 1

	operation := func() error {
		data, err := t.fetchRangeOnce(ctx, url, start, end, length)
		if err != nil {
			return err
		}
		out = data
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		// backoff.Retry already unwraps a backoff.Permanent error to the
		// cause underneath, and the cause is always one of our own
		// errs.Error values, so no extra wrapping is needed here: retries
		// genuinely exhausted and a single permanent failure look the same
		// to the caller (the Kind on err already says why).
		return nil, err
	}
	return out, nil
}

func (t *Transport) fetchRangeOnce(ctx context.Context, url string, start, end, length uint64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(errs.Wrap(errs.InvalidArgument, "building range request", err))
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(errs.Wrap(errs.Cancelled, "range request cancelled", ctx.Err()))
		}
		t.log.WithError(err).WithField("url", url).Debug("range request failed, will retry")
		return nil, errs.Wrap(errs.Io, "sending range request", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusPartialContent {
		if isRetryableStatus(resp.StatusCode) {
			return nil, errs.New(errs.Protocol, fmt.Sprintf("retryable range status %d", resp.StatusCode))
		}
		return nil, backoff.Permanent(errs.New(errs.Protocol, fmt.Sprintf("unexpected range status %d", resp.StatusCode)))
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		// A short read off an otherwise-206 response is treated the same as
		// a network blip: retry the whole ranged GET.
		return nil, errs.Wrap(errs.Io, "reading range response body (short read)", err)
	}
	return buf, nil
}

// FetchWhole fetches the entire resource with a plain GET; the mirror uses
// it to download the reference tree file.
func (t *Transport) FetchWhole(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "building whole-file request", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "sending whole-file request", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.Protocol, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "reading whole-file response body", err)
	}
	return data, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return code >= 500
	}
}

// parseContentRangeTotal parses "bytes start-end/total" and returns total.
func parseContentRangeTotal(headerVal string) (uint64, error) {
	const prefix = "bytes "
	if !strings.HasPrefix(headerVal, prefix) {
		return 0, errs.New(errs.Protocol, fmt.Sprintf("malformed Content-Range %q", headerVal))
	}
	rest := strings.TrimPrefix(headerVal, prefix)
	slashIdx := strings.IndexByte(rest, '/')
	if slashIdx < 0 {
		return 0, errs.New(errs.Protocol, fmt.Sprintf("malformed Content-Range %q", headerVal))
	}
	totalStr := rest[slashIdx+1:]
	if totalStr == "*" {
		return 0, errs.New(errs.Protocol, "Content-Range did not report a total size")
	}
	total, err := strconv.ParseUint(totalStr, 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.Protocol, fmt.Sprintf("parsing Content-Range total %q", totalStr), err)
	}
	return total, nil
}
