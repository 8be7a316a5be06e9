// Package platform fetches current entity state from the storefront
// platform's admin API for diffing against snapshots. Only the narrow reads
// the dispatcher needs live here; catalog sync and pagination belong to the
// web layer.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"storewatch/internal/models"
)

// Client reads entity state over the admin REST API.
type Client struct {
	// baseFormat receives the shop domain, e.g. "https://%s/admin/api/2024-01".
	baseFormat string
	token      string
	httpClient *http.Client
}

func NewClient(baseFormat, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseFormat: baseFormat,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type productEnvelope struct {
	Product struct {
		ID       int64  `json:"id"`
		Title    string `json:"title"`
		Status   string `json:"status"`
		Variants []struct {
			ID                int64  `json:"id"`
			Title             string `json:"title"`
			Price             string `json:"price"`
			InventoryQuantity int    `json:"inventory_quantity"`
		} `json:"variants"`
	} `json:"product"`
}

// Product fetches the current state of a product. A 404 means the product is
// gone and returns (nil, nil); transient failures return an error so the job
// retries instead of silently skipping detection.
func (c *Client) Product(ctx context.Context, shop, productID string) (*models.Product, error) {
	url := fmt.Sprintf(c.baseFormat, shop) + "/products/" + productID + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build product request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch product %s: %w", productID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("platform rate limited fetching product %s", productID)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch product %s: status %d: %s", productID, resp.StatusCode, body)
	}

	var env productEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", productID, err)
	}

	p := models.Product{
		ID:     strconv.FormatInt(env.Product.ID, 10),
		Title:  env.Product.Title,
		Status: env.Product.Status,
	}
	for _, v := range env.Product.Variants {
		p.Variants = append(p.Variants, models.Variant{
			ID:                strconv.FormatInt(v.ID, 10),
			Title:             v.Title,
			Price:             v.Price,
			InventoryQuantity: v.InventoryQuantity,
		})
	}
	return &p, nil
}
