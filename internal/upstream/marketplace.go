package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/config"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

// MarketplaceClient is the secondary source. Its listing endpoint returns
// summary records only; full lines come from the per-item detail endpoint.
type MarketplaceClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewMarketplaceClient builds the secondary source client.
func NewMarketplaceClient(cfg config.UpstreamSource, logger *zap.Logger) *MarketplaceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MarketplaceClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Name identifies the source in run metadata and errors.
func (c *MarketplaceClient) Name() string { return "marketplace" }

type marketplaceListResponse struct {
	Data []rawOrder `json:"data"`
}

// List fetches one page of summary records updated since the given time.
// Summaries are not marked enriched; the orchestrator decides which ones get
// a detail fetch.
func (c *MarketplaceClient) List(ctx context.Context, since time.Time, page, pageSize int) ([]Order, error) {
	params := url.Values{}
	params.Set("since", since.UTC().Format(time.RFC3339))
	params.Set("page", fmt.Sprintf("%d", page))
	params.Set("limit", fmt.Sprintf("%d", pageSize))

	body, err := c.get(ctx, "/v1/orders", params)
	if err != nil {
		return nil, err
	}

	var parsed marketplaceListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errorbank.UpstreamTransient("marketplace: malformed listing payload", errorbank.WithCause(err))
	}

	orders := make([]Order, 0, len(parsed.Data))
	for _, raw := range parsed.Data {
		order, err := normalize(c.Name(), raw)
		if err != nil {
			c.logger.Warn("skipping unusable marketplace candidate", zap.Error(err))
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Detail fetches the full record for one order.
func (c *MarketplaceClient) Detail(ctx context.Context, externalID string) (*Order, error) {
	body, err := c.get(ctx, "/v1/orders/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errorbank.UpstreamTransient("marketplace: malformed detail payload", errorbank.WithCause(err))
	}
	order, err := normalize(c.Name(), raw)
	if err != nil {
		return nil, errorbank.UpstreamTransient("marketplace: unusable detail payload", errorbank.WithCause(err))
	}
	order.Enriched = true
	return &order, nil
}

func (c *MarketplaceClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errorbank.UpstreamTransient("marketplace: request failed", errorbank.WithCause(err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(c.Name(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
