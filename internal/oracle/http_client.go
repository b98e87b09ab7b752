package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/uniwertz/token-price-service/internal/domain"
)

// DefaultTimeout bounds a single price lookup.
const DefaultTimeout = 10 * time.Second

// HTTPClient implements PriceOracle against an HTTP JSON price feed.
// Endpoint shape: GET {base}/price?token={id}&symbol={symbol} returning
// {"price": "<decimal string>"}. Prices travel as decimal strings so the
// feed's precision survives the wire.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new HTTP price oracle client.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check.
var _ PriceOracle = (*HTTPClient)(nil)

type priceResponse struct {
	Price string `json:"price"`
}

// Price looks up the current price of one token. A single attempt; every
// failure mode wraps ErrOracle so the pipeline can classify it.
func (c *HTTPClient) Price(ctx context.Context, ref TokenRef) (domain.Price, error) {
	params := url.Values{}
	params.Set("token", ref.ID)
	if ref.Symbol != nil {
		params.Set("symbol", *ref.Symbol)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/price?%s", c.baseURL, params.Encode()), nil)
	if err != nil {
		return domain.Price{}, fmt.Errorf("%w: create request: %w", ErrOracle, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Price{}, fmt.Errorf("%w: fetch price for %s: %w", ErrOracle, ref.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Price{}, fmt.Errorf("%w: read response for %s: %w", ErrOracle, ref.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Price{}, fmt.Errorf("%w: unexpected status %d for %s", ErrOracle, resp.StatusCode, ref.ID)
	}

	var pr priceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return domain.Price{}, fmt.Errorf("%w: decode response for %s: %w", ErrOracle, ref.ID, err)
	}

	price, err := domain.NewPrice(pr.Price)
	if err != nil {
		return domain.Price{}, fmt.Errorf("%w: price %q for %s: %w", ErrOracle, pr.Price, ref.ID, err)
	}
	return price, nil
}
