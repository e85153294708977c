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

// CarrierClient is the primary source: the carrier panel API.
type CarrierClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewCarrierClient builds the primary source client.
func NewCarrierClient(cfg config.UpstreamSource, logger *zap.Logger) *CarrierClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CarrierClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Name identifies the source in run metadata and errors.
func (c *CarrierClient) Name() string { return "carrier" }

type carrierListResponse struct {
	Orders []rawOrder `json:"orders"`
}

// List fetches one page of orders updated since the given time.
func (c *CarrierClient) List(ctx context.Context, since time.Time, page, pageSize int) ([]Order, error) {
	params := url.Values{}
	params.Set("updated_after", since.UTC().Format(time.RFC3339))
	params.Set("page", fmt.Sprintf("%d", page))
	params.Set("per_page", fmt.Sprintf("%d", pageSize))

	body, err := c.get(ctx, "/api/v2/orders", params)
	if err != nil {
		return nil, err
	}

	var parsed carrierListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errorbank.UpstreamTransient("carrier: malformed listing payload", errorbank.WithCause(err))
	}

	orders := make([]Order, 0, len(parsed.Orders))
	for _, raw := range parsed.Orders {
		order, err := normalize(c.Name(), raw)
		if err != nil {
			c.logger.Warn("skipping unusable carrier candidate", zap.Error(err))
			continue
		}
		order.Enriched = true
		orders = append(orders, order)
	}
	return orders, nil
}

// Detail fetches the full record for one order.
func (c *CarrierClient) Detail(ctx context.Context, externalID string) (*Order, error) {
	body, err := c.get(ctx, "/api/v2/orders/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errorbank.UpstreamTransient("carrier: malformed detail payload", errorbank.WithCause(err))
	}
	order, err := normalize(c.Name(), raw)
	if err != nil {
		return nil, errorbank.UpstreamTransient("carrier: unusable detail payload", errorbank.WithCause(err))
	}
	order.Enriched = true
	return &order, nil
}

func (c *CarrierClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errorbank.UpstreamTransient("carrier: request failed", errorbank.WithCause(err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(c.Name(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
