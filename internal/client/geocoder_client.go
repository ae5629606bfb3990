package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// GeocoderClient resolves Dutch postal code + house number pairs through the
// external address-lookup service. The service is a black box returning
// street/city/id or "not found".
type GeocoderClient struct {
	client  *HTTPClient
	timeout time.Duration
}

// AddressResult is a successful lookup.
type AddressResult struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	ExternalID string `json:"id"`
}

// NewGeocoderClient creates a new geocoder client with a bounded per-lookup
// timeout.
func NewGeocoderClient(baseURL, apiKey string, timeout time.Duration) *GeocoderClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GeocoderClient{
		client:  NewHTTPClient(baseURL, apiKey),
		timeout: timeout,
	}
}

// Lookup resolves an address. found is false when the service knows no such
// address; err is reserved for transport/service failures.
func (c *GeocoderClient) Lookup(ctx context.Context, postalCode, houseNumber string) (*AddressResult, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := fmt.Sprintf("/v1/addresses?postal_code=%s&house_number=%s",
		url.QueryEscape(postalCode), url.QueryEscape(houseNumber))

	var result AddressResult
	if err := c.client.Get(ctx, path, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("address lookup failed: %w", err)
	}
	return &result, true, nil
}
