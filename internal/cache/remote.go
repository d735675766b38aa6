package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"forge/internal/errdefs"
	"forge/internal/hashing"
	"forge/internal/logging"
)

// BackoffError is the directive a rate-limited caller receives: wait at
// least After before trying the remote tier again. The executor treats it
// as a miss and falls through to an actual build.
type BackoffError struct {
	After time.Duration
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("remote cache backoff: retry after %s", e.After)
}

// defaultBackoff is used when a 429 carries no Retry-After header.
const defaultBackoff = 2 * time.Second

// RemoteOptions configures a remote tier client.
type RemoteOptions struct {
	Endpoint string
	Token    string

	// GlobalRPS caps all remote requests; PerOpRPS caps each operation
	// class (get/put/head) separately. The two buckets form the
	// hierarchy: a request must clear both.
	GlobalRPS float64
	PerOpRPS  float64

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// RemoteTier is the optional HTTP cache tier. Blobs live at
// /blob/{hash}; action entries are themselves blobs addressed by their
// fingerprint, so the wire protocol stays the three blob verbs.
type RemoteTier struct {
	endpoint string
	token    string
	client   *http.Client

	global *rate.Limiter
	perOp  map[string]*rate.Limiter
}

// NewRemoteTier builds a remote tier client.
func NewRemoteTier(opts RemoteOptions) *RemoteTier {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.GlobalRPS <= 0 {
		opts.GlobalRPS = 50
	}
	if opts.PerOpRPS <= 0 {
		opts.PerOpRPS = 20
	}
	mk := func(rps float64) *rate.Limiter {
		return rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return &RemoteTier{
		endpoint: opts.Endpoint,
		token:    opts.Token,
		client:   &http.Client{Timeout: opts.Timeout},
		global:   mk(opts.GlobalRPS),
		perOp: map[string]*rate.Limiter{
			http.MethodGet:  mk(opts.PerOpRPS),
			http.MethodPut:  mk(opts.PerOpRPS),
			http.MethodHead: mk(opts.PerOpRPS),
		},
	}
}

// reserve clears both bucket levels or returns a backoff directive.
func (r *RemoteTier) reserve(method string) error {
	if !r.global.Allow() {
		return &BackoffError{After: defaultBackoff}
	}
	if lim, ok := r.perOp[method]; ok && !lim.Allow() {
		return &BackoffError{After: defaultBackoff}
	}
	return nil
}

func (r *RemoteTier) blobURL(d hashing.Digest) string {
	return r.endpoint + "/blob/" + d.String()
}

func (r *RemoteTier) do(ctx context.Context, method string, d hashing.Digest, body io.Reader) (*http.Response, error) {
	if err := r.reserve(method); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, r.blobURL(d), body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "building %s request", method)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err, "%s %s", method, d)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		after := defaultBackoff
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, perr := strconv.Atoi(v); perr == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		resp.Body.Close()
		return nil, &BackoffError{After: after}
	}
	return resp, nil
}

// HasBlob checks remote existence via HEAD.
func (r *RemoteTier) HasBlob(ctx context.Context, d hashing.Digest) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, d, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	case http.StatusUnauthorized:
		return false, errdefs.New(errdefs.KindNetwork, "remote cache rejected credentials")
	default:
		return false, errdefs.New(errdefs.KindNetwork, "remote HEAD %s: %s", d, resp.Status)
	}
}

// GetBlob fetches a blob. Content is verified against its address before
// being returned; a mismatch is a corrupted remote entry.
func (r *RemoteTier) GetBlob(ctx context.Context, d hashing.Digest) ([]byte, error) {
	resp, err := r.do(ctx, http.MethodGet, d, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, errdefs.ErrNotFound, "remote blob %s", d)
	case http.StatusUnauthorized:
		return nil, errdefs.New(errdefs.KindNetwork, "remote cache rejected credentials")
	default:
		return nil, errdefs.New(errdefs.KindNetwork, "remote GET %s: %s", d, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err, "reading remote blob %s", d)
	}
	if hashing.Hash(data) != d {
		return nil, errdefs.Wrap(errdefs.KindCacheCorrupted, errdefs.ErrCorrupted, "remote blob %s", d)
	}
	return data, nil
}

// PutBlob uploads a blob. 413 (too large) is reported but non-fatal to
// the caller's build: pushes are best-effort by policy.
func (r *RemoteTier) PutBlob(ctx context.Context, d hashing.Digest, data []byte) error {
	resp, err := r.do(ctx, http.MethodPut, d, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusRequestEntityTooLarge:
		logging.Get(logging.CategoryRemote).Warn("remote rejected blob %s: too large", d)
		return errdefs.New(errdefs.KindNetwork, "remote blob %s too large", d)
	case http.StatusUnauthorized:
		return errdefs.New(errdefs.KindNetwork, "remote cache rejected credentials")
	default:
		return errdefs.New(errdefs.KindNetwork, "remote PUT %s: %s", d, resp.Status)
	}
}
