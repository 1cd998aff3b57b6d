package btcfaucet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-faucet/blockcypher"
	"github.com/djschnei21/vault-plugin-btc-faucet/electrum"
	"github.com/djschnei21/vault-plugin-btc-faucet/provision"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

// chainClient is what the backend needs from an Electrum connection
type chainClient interface {
	provision.Ledger
	provision.FeeRateSource
	GetBalance(ctx context.Context, scripthash string) (*electrum.Balance, error)
	Close()
	Closed() bool
}

// faucetBackend defines the backend for the Bitcoin test-wallet faucet
type faucetBackend struct {
	*framework.Backend
	lock   sync.RWMutex
	client chainClient
	fees   *feeRateCache

	dial           func(ctx context.Context, url string) (chainClient, error)
	blockcypherFor func(url string) provision.FeeRateSource
}

// Factory creates a new backend instance
func Factory(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
	b := backend()
	if err := b.Setup(ctx, conf); err != nil {
		return nil, err
	}
	return b, nil
}

func backend() *faucetBackend {
	b := &faucetBackend{
		dial: func(ctx context.Context, url string) (chainClient, error) {
			client, err := electrum.NewClient(ctx, url)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		blockcypherFor: func(url string) provision.FeeRateSource {
			return blockcypher.NewClient(url, 0)
		},
	}

	b.Backend = &framework.Backend{
		Help: strings.TrimSpace(backendHelp),
		PathsSpecial: &logical.Paths{
			SealWrapStorage: []string{
				configStoragePath,
				faucetStoragePath,
			},
		},
		Paths: framework.PathAppend(
			pathConfig(b),
			pathFaucet(b),
			pathFaucetQR(b),
			pathProvision(b),
			pathEstimate(b),
		),
		Secrets:     []*framework.Secret{},
		BackendType: logical.TypeLogical,
		Invalidate:  b.invalidate,
	}

	return b
}

// invalidate resets the clients when configuration changes
func (b *faucetBackend) invalidate(ctx context.Context, key string) {
	if key == configStoragePath {
		b.reset()
	}
}

// reset clears the cached Electrum client and fee rates
func (b *faucetBackend) reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.client != nil {
		b.Logger().Debug("closing Electrum connection")
		b.client.Close()
		b.client = nil
	}
	b.fees = nil
}

// isConnectionError checks if an error indicates a broken connection
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, electrum.ErrClientClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "i/o timeout")
}

// handleClientError drops the cached client after a connection error so the
// next request reconnects. Requests themselves are not retried.
func (b *faucetBackend) handleClientError(err error) {
	if isConnectionError(err) {
		b.Logger().Warn("detected stale connection, resetting client", "error", err)
		b.reset()
	}
}

// getClient returns the Electrum client, creating one if necessary.
// A cached client whose connection dropped is replaced.
func (b *faucetBackend) getClient(ctx context.Context, config *faucetConfig) (chainClient, error) {
	b.lock.RLock()
	if b.client != nil && !b.client.Closed() {
		b.lock.RUnlock()
		return b.client, nil
	}
	b.lock.RUnlock()

	b.lock.Lock()
	defer b.lock.Unlock()

	// Double-check after acquiring write lock
	if b.client != nil {
		if !b.client.Closed() {
			return b.client, nil
		}
		b.Logger().Warn("Electrum connection dropped, reconnecting")
		b.client.Close()
		b.client = nil
		b.fees = nil
	}

	serverURL := config.ElectrumURL
	if serverURL == "" {
		serverURL = getRandomServer(config.Network)
		if serverURL == "" {
			return nil, fmt.Errorf("no default Electrum servers configured for network %q - please set electrum_url in config", config.Network)
		}
	}

	b.Logger().Debug("connecting to Electrum server", "url", serverURL, "network", config.Network)
	client, err := b.dial(ctx, serverURL)
	if err != nil {
		b.Logger().Warn("failed to connect to Electrum server", "url", serverURL, "error", err)
		return nil, err
	}

	b.Logger().Info("connected to Electrum server", "url", serverURL, "network", config.Network)
	b.client = client
	return b.client, nil
}

// getFeeSource returns the cached fee rate source for the configured fee_source
func (b *faucetBackend) getFeeSource(config *faucetConfig, client chainClient) (provision.FeeRateSource, error) {
	b.lock.RLock()
	if b.fees != nil {
		b.lock.RUnlock()
		return b.fees, nil
	}
	b.lock.RUnlock()

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.fees != nil {
		return b.fees, nil
	}

	var source provision.FeeRateSource
	switch config.effectiveFeeSource() {
	case feeSourceBlockcypher:
		url := config.BlockcypherURL
		if url == "" {
			var err error
			if url, err = blockcypher.ChainURL(config.Network); err != nil {
				return nil, err
			}
		}
		b.Logger().Debug("using BlockCypher fee rates", "url", url)
		source = b.blockcypherFor(url)
	default:
		b.Logger().Debug("using Electrum fee estimates")
		source = client
	}

	b.fees = newFeeRateCache(source, feeRateCacheTTL)
	return b.fees, nil
}

// provisioner assembles a provisioner from the stored config. The Electrum
// client it runs on is returned for calls outside the provisioning flow.
func (b *faucetBackend) provisioner(ctx context.Context, s logical.Storage) (*provision.Provisioner, chainClient, error) {
	config, err := getConfigOrDefault(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	client, err := b.getClient(ctx, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Electrum: %w", err)
	}

	fees, err := b.getFeeSource(config, client)
	if err != nil {
		return nil, nil, err
	}

	p := provision.New(client, fees, config.Network, b.Logger().Named("provision"))
	p.UnitAmount = config.UnitAmount
	p.SafetyMargin = config.SafetyMargin
	p.FeeTier = config.FeeTier
	p.MinConfirmations = int64(config.MinConfirmations)

	return p, client, nil
}

// errorResponse turns caller-correctable failures into an error response and
// passes everything else through as an internal error
func (b *faucetBackend) errorResponse(err error) (*logical.Response, error) {
	var insufficient *wallet.InsufficientFundsError
	var feeErr *wallet.FeeExceedsAvailableError

	switch {
	case errors.As(err, &insufficient):
		resp := logical.ErrorResponse("insufficient funds: missing %d satoshis", insufficient.Shortfall())
		resp.Data["available"] = insufficient.Available
		resp.Data["required"] = insufficient.Required
		resp.Data["shortfall"] = insufficient.Shortfall()
		return resp, nil
	case errors.As(err, &feeErr):
		resp := logical.ErrorResponse(err.Error())
		resp.Data["available"] = feeErr.Available
		resp.Data["required"] = feeErr.Required
		resp.Data["fee"] = feeErr.Fee
		return resp, nil
	case errors.Is(err, provision.ErrInvalidRequest), errors.Is(err, wallet.ErrInvalidDerivationPath):
		return logical.ErrorResponse(err.Error()), nil
	}

	b.handleClientError(err)
	return nil, err
}

const backendHelp = `
The Bitcoin faucet secrets engine provisions throwaway HD test wallets.

Each provisioning run generates a BIP39 mnemonic, derives BIP49 (P2SH-wrapped
SegWit) child addresses and builds one signed transaction that funds every
child from a faucet wallet. The engine supports:

  - Faucet wallet storage and balance queries
  - Fee rates from BlockCypher or the Electrum server
  - Dry-run fee estimation
  - Optional broadcast of the funding transaction

Configure the engine with a network and optionally an Electrum server URL.

Endpoints:
  btc-faucet/config      - Network, servers, fee and amount settings
  btc-faucet/faucet      - Store the faucet mnemonic, read its address and UTXOs
  btc-faucet/faucet/qr   - QR code of the faucet address for top-ups
  btc-faucet/provision   - Create and fund a new test wallet
  btc-faucet/estimate    - Estimate the fee of a provisioning run
`
