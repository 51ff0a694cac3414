package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bitop-dev/modelexec/plugin"
)

type RetryPolicy struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	return p
}

// Request is one outbound call. Body may be nil for GET.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Send performs req, retrying transient statuses and timeouts under policy.
// Callers must close the returned response body.
func Send(ctx context.Context, client *http.Client, req Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return nil, err
		}
		hreq.Header = req.Header.Clone()
		if hreq.Header == nil {
			hreq.Header = make(http.Header)
		}
		if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
			hreq.Header.Set("Content-Type", "application/json")
		}
		if hreq.Header.Get("Accept") == "" {
			hreq.Header.Set("Accept", "application/json")
		}

		resp, err := client.Do(hreq)
		if err == nil && resp != nil && !plugin.RetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		// Hand the final retryable response back so the caller can decode
		// the upstream error body.
		if err == nil && attempt == policy.MaxRetries {
			return resp, nil
		}

		if err == nil && resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("http status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == policy.MaxRetries {
			break
		}
		if err != nil && !isRetryableNetErr(err) {
			break
		}

		sleep := backoffWithJitter(attempt, policy.MinBackoff, policy.MaxBackoff)
		if resp != nil {
			if ra, ok := retryAfter(resp.Header.Get("Retry-After")); ok && ra > sleep {
				sleep = ra
			}
		}
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}

// ReadAll drains a successful response into a plugin.RawResponse, or decodes
// a non-2xx response into a *plugin.Error.
func ReadAll(provider string, resp *http.Response) (*plugin.RawResponse, error) {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(provider, resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, plugin.NetworkError(provider, err)
	}
	return &plugin.RawResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: b}, nil
}

// StatusError builds a *plugin.Error from a non-2xx response. It reads (but
// does not close) the body.
func StatusError(provider string, resp *http.Response) *plugin.Error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return DecodeError(provider, resp.StatusCode, b)
}

// DecodeError understands the {"error":{"message","type","code","status"}}
// family of error bodies and falls back to the raw text.
func DecodeError(provider string, status int, body []byte) *plugin.Error {
	e := &plugin.Error{
		Provider:  provider,
		Code:      "http_error",
		Status:    status,
		Message:   strings.TrimSpace(string(body)),
		Retryable: plugin.RetryableStatus(status),
	}
	if !gjson.ValidBytes(body) {
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}
	doc := gjson.ParseBytes(body)
	errObj := doc.Get("error")
	if !errObj.Exists() {
		errObj = doc
	}
	if errObj.Type == gjson.String {
		e.Message = errObj.String()
		return e
	}
	if msg := errObj.Get("message"); msg.Exists() && msg.String() != "" {
		e.Message = msg.String()
	}
	for _, k := range []string{"code", "type", "status"} {
		if v := errObj.Get(k); v.Exists() && v.String() != "" {
			e.Code = v.String()
			break
		}
	}
	if status == http.StatusTooManyRequests {
		e.Code = "rate_limited"
	}
	return e
}

func isRetryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var rng = struct {
	mu sync.Mutex
	r  *rand.Rand
}{
	r: rand.New(rand.NewSource(time.Now().UnixNano())),
}

func backoffWithJitter(attempt int, min, max time.Duration) time.Duration {
	backoff := min
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			backoff = max
			break
		}
	}

	rng.mu.Lock()
	n := rng.r.Int63n(int64(backoff) + 1)
	rng.mu.Unlock()

	return time.Duration(n)
}

func retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
