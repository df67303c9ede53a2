package namecache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/walletnames/go-namecache/apierror"
	"github.com/walletnames/go-namecache/model"
	"golang.org/x/time/rate"
)

const (
	namesPath = "names"
	batchPath = "batch"

	defaultRetryMax     = 2
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = time.Second
	defaultRateLimit    = 10
	defaultRateBurst    = 10
)

type gatewayConfig struct {
	header       http.Header
	httpClient   *http.Client
	rateBurst    int
	rateLimit    rate.Limit
	retryMax     int
	retryWaitMax time.Duration
	retryWaitMin time.Duration
}

// GatewayOption is a function that sets a value in a gatewayConfig.
type GatewayOption func(*gatewayConfig) error

func getGatewayOpts(opts []GatewayOption) (gatewayConfig, error) {
	cfg := gatewayConfig{
		httpClient:   http.DefaultClient,
		rateBurst:    defaultRateBurst,
		rateLimit:    defaultRateLimit,
		retryMax:     defaultRetryMax,
		retryWaitMax: defaultRetryWaitMax,
		retryWaitMin: defaultRetryWaitMin,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return gatewayConfig{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithHTTPClient sets the http client used to reach the name store.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(cfg *gatewayConfig) error {
		if c != nil {
			cfg.httpClient = c
		}
		return nil
	}
}

// WithHeader adds a header to every request, e.g. for authorization.
func WithHeader(key, value string) GatewayOption {
	return func(cfg *gatewayConfig) error {
		if cfg.header == nil {
			cfg.header = make(http.Header)
		}
		cfg.header.Add(key, value)
		return nil
	}
}

// WithRateLimit limits the rate of requests sent to the name store to limit
// requests per second with bursts of up to burst requests. A limit of
// rate.Inf disables limiting.
//
// Default is 10 requests per second with a burst of 10.
func WithRateLimit(limit rate.Limit, burst int) GatewayOption {
	return func(cfg *gatewayConfig) error {
		if limit <= 0 {
			return fmt.Errorf("rate limit must be positive")
		}
		if burst < 1 {
			burst = 1
		}
		cfg.rateLimit = limit
		cfg.rateBurst = burst
		return nil
	}
}

// WithRetries sets the number of times a failed request is retried, and the
// minimum and maximum wait between retries. A retryMax of 0 disables retries.
//
// Default is 2 retries, waiting between 100 milliseconds and 1 second.
func WithRetries(retryMax int, waitMin, waitMax time.Duration) GatewayOption {
	return func(cfg *gatewayConfig) error {
		if retryMax < 0 {
			return fmt.Errorf("negative retry count %d", retryMax)
		}
		cfg.retryMax = retryMax
		cfg.retryWaitMin = waitMin
		cfg.retryWaitMax = waitMax
		return nil
	}
}

// HTTPGateway is a Gateway to a name store served over HTTP.
//
// The store serves all names at GET /names, looks up several names at POST
// /names/batch, and sets one name at PUT /names/{address}.
type HTTPGateway struct {
	client   *http.Client
	header   http.Header
	limiter  *rate.Limiter
	namesURL *url.URL
	batchURL *url.URL
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a Gateway to the name store at baseURL.
func NewHTTPGateway(baseURL string, options ...GatewayOption) (*HTTPGateway, error) {
	opts, err := getGatewayOpts(options)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", baseURL)
	}
	namesURL := u.JoinPath(namesPath)

	httpClient := opts.httpClient
	if opts.retryMax != 0 {
		// Instantiate retryable HTTP client.
		rclient := &retryablehttp.Client{
			HTTPClient:   httpClient,
			RetryWaitMin: opts.retryWaitMin,
			RetryWaitMax: opts.retryWaitMax,
			RetryMax:     opts.retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
		}
		httpClient = rclient.StandardClient()
	}

	return &HTTPGateway{
		client:   httpClient,
		header:   opts.header,
		limiter:  rate.NewLimiter(opts.rateLimit, opts.rateBurst),
		namesURL: namesURL,
		batchURL: namesURL.JoinPath(batchPath),
	}, nil
}

func (g *HTTPGateway) FetchAll(ctx context.Context) ([]model.NameRecord, error) {
	body, err := g.do(ctx, http.MethodGet, g.namesURL, nil)
	if err != nil {
		return nil, err
	}
	records, err := model.UnmarshalNameRecords(body)
	if err != nil {
		return nil, apierror.NewMalformed(fmt.Errorf("cannot decode names: %w", err))
	}
	return records, nil
}

func (g *HTTPGateway) FetchBatch(ctx context.Context, addrs []string) (map[string]string, error) {
	reqBody, err := json.Marshal(&model.BatchRequest{Addresses: addrs})
	if err != nil {
		return nil, err
	}
	body, err := g.do(ctx, http.MethodPost, g.batchURL, reqBody)
	if err != nil {
		return nil, err
	}
	resp, err := model.UnmarshalBatchResponse(body)
	if err != nil {
		return nil, apierror.NewMalformed(fmt.Errorf("cannot decode batch response: %w", err))
	}
	if resp.Names == nil {
		return map[string]string{}, nil
	}
	return resp.Names, nil
}

func (g *HTTPGateway) Write(ctx context.Context, addr, name string) error {
	reqBody, err := json.Marshal(&model.WriteRequest{Name: name})
	if err != nil {
		return err
	}
	_, err = g.do(ctx, http.MethodPut, g.namesURL.JoinPath(addr), reqBody)
	return err
}

func (g *HTTPGateway) String() string {
	return g.namesURL.String()
}

// do sends a request and returns the body of a successful response. All
// failures are returned as *apierror.Error.
func (g *HTTPGateway) do(ctx context.Context, method string, u *url.URL, reqBody []byte) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, apierror.NewUnavailable(fmt.Errorf("rate limited: %w", err))
	}

	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for key, vals := range g.header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}
	req.Header.Add("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apierror.Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.Classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierror.FromResponse(resp.StatusCode, body)
	}
	return body, nil
}
