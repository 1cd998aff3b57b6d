package blockcypher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const test3Doc = `{
  "name": "BTC.test3",
  "height": 2583620,
  "hash": "000000000000001a",
  "high_fee_per_kb": 41250,
  "medium_fee_per_kb": 25000,
  "low_fee_per_kb": 12000,
  "unconfirmed_count": 12
}`

func TestFeeRates(t *testing.T) {
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/btc/test3", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(test3Doc))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/v1/btc/test3/", 0)
	assert.Equal(t, srv.URL+"/v1/btc/test3", client.URL())

	rates, err := client.FeeRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, int64(41250), rates.High)
	assert.Equal(t, int64(25000), rates.Medium)
	assert.Equal(t, int64(12000), rates.Low)

	info, err := client.ChainInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BTC.test3", info.Name)
	assert.Equal(t, int64(2583620), info.Height)
}

func TestFeeRatesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error": "Limits reached."}`,
			check: func(t *testing.T, err error) {
				var statusErr *StatusError
				require.True(t, errors.As(err, &statusErr))
				assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
				assert.Contains(t, statusErr.Body, "Limits reached")
			},
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   `{"high_fee_per_kb": "lots"`,
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "failed to parse chain info")
			},
		},
		{
			name:   "no fee fields",
			status: http.StatusOK,
			body:   `{"name": "BTC.test3", "height": 1}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMissingFeeRates)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).FeeRates(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestFeeRatesContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL, 0).FeeRates(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChainURL(t *testing.T) {
	url, err := ChainURL("testnet")
	require.NoError(t, err)
	assert.Equal(t, "https://api.blockcypher.com/v1/btc/test3", url)

	url, err = ChainURL("mainnet")
	require.NoError(t, err)
	assert.Equal(t, "https://api.blockcypher.com/v1/btc/main", url)

	_, err = ChainURL("signet")
	assert.Error(t, err)
}
