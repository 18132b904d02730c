package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// tokenExpiryMargin is subtracted from the reported token lifetime.
const tokenExpiryMargin = 30 * time.Second

// maxResponseSize limits provider API response bodies.
const maxResponseSize = 1 << 20

// newHTTPClient returns the client used for provider APIs.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type accessToken struct {
	value   string
	expires time.Time
}

// tokenCache caches a client-credentials access token until shortly before
// it expires.
type tokenCache struct {
	mu    sync.Mutex
	token accessToken
	fetch func(ctx context.Context) (accessToken, error)
	now   func() time.Time
}

func (c *tokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.value != "" && c.now().Before(c.token.expires) {
		return c.token.value, nil
	}
	tok, err := c.fetch(ctx)
	if err != nil {
		return "", errors.Wrap(err, "fetch access token")
	}
	c.token = tok
	return tok.value, nil
}

// decodeToken parses an OAuth token response.
func decodeToken(body []byte, now time.Time) (accessToken, error) {
	var (
		tok     accessToken
		seconds int64
	)
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "access_token":
			v, err := d.Str()
			if err != nil {
				return err
			}
			tok.value = v
		case "expires_in":
			v, err := d.Int64()
			if err != nil {
				return err
			}
			seconds = v
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return accessToken{}, errors.Wrap(err, "decode token")
	}
	if tok.value == "" {
		return accessToken{}, errors.New("empty access token")
	}
	tok.expires = now.Add(time.Duration(seconds)*time.Second - tokenExpiryMargin)
	return tok, nil
}

// StatusError is returned when a provider API answers with a non-2xx code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// do sends req and returns the body of a 2xx response.
func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}
