package evohome

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/evohome-go/evohome/pkg/observability/xmetrics"
)

// maxResponseSize bounds how much of a response body is read, so a
// misbehaving server can't exhaust memory.
const maxResponseSize = 10 * 1024 * 1024

// rawClient is the unauthenticated HTTP transport shared by both the v0
// and v2 credential managers and the authenticated requester. Credential
// injection happens one layer up, in requester.go.
type rawClient struct {
	client   *http.Client
	timeout  time.Duration
	observer xmetrics.Observer
}

type rawClientConfig struct {
	Timeout   time.Duration
	TLSConfig *TLSConfig
	Client    *http.Client
	Observer  xmetrics.Observer
}

func newRawClient(cfg rawClientConfig) *rawClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := cfg.Client
	if client == nil {
		transport := &http.Transport{
			TLSClientConfig:     cfg.TLSConfig.BuildTLSConfig(),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		client = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}

	observer := cfg.Observer
	if observer == nil {
		observer = xmetrics.NoopObserver{}
	}

	return &rawClient{client: client, timeout: cfg.Timeout, observer: observer}
}

// rawResponse is what a raw request returns before any status-based error
// classification happens, so callers can inspect the body of a 4xx
// response (e.g. to look for EmailOrPasswordIncorrect or invalid_grant).
type rawResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (r *rawResponse) decodeJSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("evohome: decoding response: %w", err)
	}
	return nil
}

// do issues a request and returns the raw response without interpreting
// its status code; callers decide what a given status means in their own
// domain (session auth, OAuth, or an authenticated data request each
// classify 4xx differently).
func (c *rawClient) do(ctx context.Context, method, url string, headers map[string]string, body any) (*rawResponse, error) {
	ctx, span := xmetrics.Start(ctx, c.observer, xmetrics.SpanOptions{
		Component: MetricsComponent,
		Operation: MetricsOpHTTPRequest,
		Kind:      xmetrics.KindClient,
		Attrs: []xmetrics.Attr{
			{Key: MetricsAttrHTTPMethod, Value: method},
			{Key: MetricsAttrHTTPPath, Value: sanitizeURL(url)},
		},
	})
	var err error
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	bodyReader, err := buildRequestBody(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		err = fmt.Errorf("evohome: creating request: %w", err)
		return nil, err
	}
	setHeaders(req, headers)

	resp, respErr := c.client.Do(req)
	if respErr != nil {
		err = fmt.Errorf("%w: %w", ErrApiRequestFailed, respErr)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck

	lr := &io.LimitedReader{R: resp.Body, N: maxResponseSize + 1}
	data, readErr := io.ReadAll(lr)
	if readErr != nil {
		err = fmt.Errorf("evohome: reading response body: %w", readErr)
		return nil, err
	}
	if len(data) > maxResponseSize {
		err = fmt.Errorf("evohome: response exceeded %d bytes", maxResponseSize)
		return nil, err
	}

	return &rawResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func sanitizeURL(rawURL string) string {
	if path, _, found := strings.Cut(rawURL, "?"); found {
		return path
	}
	return rawURL
}

func buildRequestBody(body any) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	switch v := body.(type) {
	case string:
		return strings.NewReader(v), nil
	case []byte:
		return bytes.NewReader(v), nil
	case io.Reader:
		return v, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("evohome: marshaling request body: %w", err)
		}
		return bytes.NewReader(data), nil
	}
}

func setHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
}
