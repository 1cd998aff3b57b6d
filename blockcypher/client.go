// Package blockcypher reads network fee rates from the BlockCypher chain API.
package blockcypher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

const (
	// DefaultTimeout bounds a single chain info request
	DefaultTimeout = 15 * time.Second

	baseURL = "https://api.blockcypher.com/v1/btc"

	// maxBodySize caps how much of a response is read
	maxBodySize = 1 << 20
)

// ErrMissingFeeRates is returned when the chain document has no usable fee fields
var ErrMissingFeeRates = errors.New("blockcypher: response has no fee rates")

// StatusError is returned for any non-200 response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("blockcypher: unexpected status %d: %s", e.StatusCode, e.Body)
}

// ChainInfo is the subset of the chain endpoint document the faucet reads
type ChainInfo struct {
	Name           string `json:"name"`
	Height         int64  `json:"height"`
	HighFeePerKb   int64  `json:"high_fee_per_kb"`
	MediumFeePerKb int64  `json:"medium_fee_per_kb"`
	LowFeePerKb    int64  `json:"low_fee_per_kb"`
}

// Client fetches chain info over HTTP
type Client struct {
	url        string
	httpClient *http.Client
}

// ChainURL returns the chain endpoint for a network name. Only mainnet and
// testnet3 are served by BlockCypher.
func ChainURL(network string) (string, error) {
	switch network {
	case "mainnet":
		return baseURL + "/main", nil
	case "testnet", "testnet3":
		return baseURL + "/test3", nil
	default:
		return "", fmt.Errorf("blockcypher has no chain for network %q", network)
	}
}

// NewClient returns a client for the chain endpoint at url. A zero timeout
// uses DefaultTimeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	return &Client{
		url:        strings.TrimRight(url, "/"),
		httpClient: httpClient,
	}
}

// URL returns the chain endpoint
func (c *Client) URL() string {
	return c.url
}

// ChainInfo fetches the chain document
func (c *Client) ChainInfo(ctx context.Context) (*ChainInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read chain info: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var info ChainInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse chain info: %w", err)
	}

	return &info, nil
}

// FeeRates returns the high, medium and low rates in satoshis per kilobyte
func (c *Client) FeeRates(ctx context.Context) (*wallet.FeeRateSnapshot, error) {
	info, err := c.ChainInfo(ctx)
	if err != nil {
		return nil, err
	}

	if info.HighFeePerKb <= 0 && info.MediumFeePerKb <= 0 && info.LowFeePerKb <= 0 {
		return nil, ErrMissingFeeRates
	}

	return &wallet.FeeRateSnapshot{
		High:   info.HighFeePerKb,
		Medium: info.MediumFeePerKb,
		Low:    info.LowFeePerKb,
	}, nil
}
