package btcfaucet

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-faucet/blockcypher"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

const (
	configStoragePath = "config"

	defaultNetwork = "testnet"

	feeSourceBlockcypher = "blockcypher"
	feeSourceElectrum    = "electrum"

	feeRateCacheTTL = time.Minute
)

// Default Electrum server pools per network
// When no custom electrum_url is configured, a random server is selected per connection
var (
	MainnetElectrumServers = []string{
		"ssl://electrum.blockstream.info:50002",
		"ssl://electrum.bitaroo.net:50002",
		"ssl://electrum.emzy.de:50002",
	}

	TestnetElectrumServers = []string{
		"ssl://electrum.blockstream.info:60002",
		"ssl://testnet.aranguren.org:51002",
	}

	Testnet4ElectrumServers = []string{
		"ssl://mempool.space:40002",
	}

	SignetElectrumServers = []string{
		"ssl://mempool.space:60602",
	}
)

// ElectrumServers returns the default server pool for a network.
// Regtest has no default servers - requires explicit configuration
func ElectrumServers(network string) []string {
	switch network {
	case "mainnet":
		return MainnetElectrumServers
	case "testnet", "testnet3":
		return TestnetElectrumServers
	case "testnet4":
		return Testnet4ElectrumServers
	case "signet":
		return SignetElectrumServers
	default:
		return nil
	}
}

// getRandomServer returns a random server from the list for the given network
// Uses crypto/rand for secure randomness
func getRandomServer(network string) string {
	servers := ElectrumServers(network)
	if len(servers) == 0 {
		return ""
	}

	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(len(servers))))
	if err != nil {
		return servers[0]
	}

	return servers[n.Int64()]
}

// faucetConfig stores the secrets engine configuration
type faucetConfig struct {
	Network          string `json:"network"`
	ElectrumURL      string `json:"electrum_url"`
	FeeSource        string `json:"fee_source"`
	BlockcypherURL   string `json:"blockcypher_url"`
	FeeTier          string `json:"fee_tier"`
	SafetyMargin     int64  `json:"safety_margin"`
	MinConfirmations int    `json:"min_confirmations"`
	UnitAmount       int64  `json:"unit_amount"`
}

func defaultConfig() *faucetConfig {
	return &faucetConfig{
		Network:      defaultNetwork,
		FeeTier:      wallet.FeeTierLow,
		SafetyMargin: wallet.DefaultSafetyMargin,
		UnitAmount:   wallet.DefaultUnitAmount,
	}
}

// effectiveFeeSource resolves an empty fee_source: BlockCypher where it serves
// the network, the Electrum server otherwise
func (c *faucetConfig) effectiveFeeSource() string {
	if c.FeeSource != "" {
		return c.FeeSource
	}
	if c.BlockcypherURL != "" {
		return feeSourceBlockcypher
	}
	if _, err := blockcypher.ChainURL(c.Network); err == nil {
		return feeSourceBlockcypher
	}
	return feeSourceElectrum
}

func (c *faucetConfig) validate() error {
	if _, err := wallet.NetworkParams(c.Network); err != nil {
		return err
	}
	switch c.FeeSource {
	case "", feeSourceElectrum:
	case feeSourceBlockcypher:
		if c.BlockcypherURL == "" {
			if _, err := blockcypher.ChainURL(c.Network); err != nil {
				return fmt.Errorf("%v - set blockcypher_url or use fee_source=electrum", err)
			}
		}
	default:
		return fmt.Errorf("fee_source must be 'blockcypher' or 'electrum'")
	}
	switch c.FeeTier {
	case wallet.FeeTierLow, wallet.FeeTierMedium, wallet.FeeTierHigh:
	default:
		return fmt.Errorf("fee_tier must be 'low', 'medium', or 'high'")
	}
	if c.SafetyMargin < 0 {
		return fmt.Errorf("safety_margin must be >= 0")
	}
	if c.MinConfirmations < 0 {
		return fmt.Errorf("min_confirmations must be >= 0")
	}
	if c.UnitAmount <= 0 {
		return fmt.Errorf("unit_amount must be positive")
	}
	return nil
}

func pathConfig(b *faucetBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "config",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc-faucet",
			},
			Fields: map[string]*framework.FieldSchema{
				"network": {
					Type:        framework.TypeString,
					Description: "Bitcoin network: mainnet, testnet, testnet4, signet or regtest",
					Default:     defaultNetwork,
				},
				"electrum_url": {
					Type:        framework.TypeString,
					Description: "Electrum server URL. If not set, a random server from the default pool is used per connection.",
				},
				"fee_source": {
					Type:        framework.TypeString,
					Description: "Where fee rates come from: blockcypher or electrum. Empty picks blockcypher when it serves the network.",
				},
				"blockcypher_url": {
					Type:        framework.TypeString,
					Description: "BlockCypher chain endpoint (default: derived from network)",
				},
				"fee_tier": {
					Type:        framework.TypeString,
					Description: "Fee tier to pay: low, medium or high",
					Default:     wallet.FeeTierLow,
				},
				"safety_margin": {
					Type:        framework.TypeInt,
					Description: "Satoshis added to every computed fee",
					Default:     wallet.DefaultSafetyMargin,
				},
				"min_confirmations": {
					Type:        framework.TypeInt,
					Description: "Minimum confirmations required to spend faucet UTXOs (default: 0)",
					Default:     0,
				},
				"unit_amount": {
					Type:        framework.TypeInt,
					Description: "Satoshis paid per output to each child address",
					Default:     wallet.DefaultUnitAmount,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathConfigRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathConfigDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
			},
			ExistenceCheck:  b.pathConfigExistenceCheck,
			HelpSynopsis:    pathConfigHelpSynopsis,
			HelpDescription: pathConfigHelpDescription,
		},
	}
}

func (b *faucetBackend) pathConfigExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	out, err := req.Storage.Get(ctx, configStoragePath)
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return out != nil, nil
}

func (b *faucetBackend) pathConfigRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("reading config")
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	if config == nil {
		b.Logger().Debug("no config found")
		return nil, nil
	}

	respData := map[string]interface{}{
		"network":           config.Network,
		"fee_source":        config.effectiveFeeSource(),
		"fee_tier":          config.FeeTier,
		"safety_margin":     config.SafetyMargin,
		"min_confirmations": config.MinConfirmations,
		"unit_amount":       config.UnitAmount,
	}

	if config.ElectrumURL != "" {
		respData["electrum_url"] = config.ElectrumURL
	} else {
		respData["electrum_url"] = "(random from pool)"
		respData["electrum_pool"] = ElectrumServers(config.Network)
	}

	if config.effectiveFeeSource() == feeSourceBlockcypher {
		url := config.BlockcypherURL
		if url == "" {
			url, _ = blockcypher.ChainURL(config.Network)
		}
		respData["blockcypher_url"] = url
	}

	return &logical.Response{Data: respData}, nil
}

func (b *faucetBackend) pathConfigWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("writing config", "operation", req.Operation)
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	if config == nil {
		b.Logger().Debug("creating new config")
		config = defaultConfig()
	}

	if v, ok := data.GetOk("network"); ok {
		config.Network = v.(string)
	}
	if v, ok := data.GetOk("electrum_url"); ok {
		config.ElectrumURL = v.(string)
	}
	if v, ok := data.GetOk("fee_source"); ok {
		config.FeeSource = v.(string)
	}
	if v, ok := data.GetOk("blockcypher_url"); ok {
		config.BlockcypherURL = v.(string)
	}
	if v, ok := data.GetOk("fee_tier"); ok {
		config.FeeTier = v.(string)
	}
	if v, ok := data.GetOk("safety_margin"); ok {
		config.SafetyMargin = int64(v.(int))
	}
	if v, ok := data.GetOk("min_confirmations"); ok {
		config.MinConfirmations = v.(int)
	}
	if v, ok := data.GetOk("unit_amount"); ok {
		config.UnitAmount = int64(v.(int))
	}

	if err := config.validate(); err != nil {
		return logical.ErrorResponse(err.Error()), nil
	}

	entry, err := logical.StorageEntryJSON(configStoragePath, config)
	if err != nil {
		return nil, err
	}

	if err := req.Storage.Put(ctx, entry); err != nil {
		return nil, err
	}

	// Reset the clients so the new config takes effect
	b.reset()

	b.Logger().Info("config saved", "network", config.Network, "electrum_url", config.ElectrumURL,
		"fee_source", config.effectiveFeeSource(), "fee_tier", config.FeeTier)

	if config.UnitAmount < wallet.DefaultUnitAmount {
		resp := &logical.Response{}
		resp.AddWarning(fmt.Sprintf("unit_amount %d is below the P2SH dust threshold of %d; outputs may not relay",
			config.UnitAmount, wallet.DefaultUnitAmount))
		return resp, nil
	}

	return nil, nil
}

func (b *faucetBackend) pathConfigDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("deleting config")
	err := req.Storage.Delete(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error deleting config: %w", err)
	}

	b.reset()

	b.Logger().Info("config deleted")
	return nil, nil
}

// getConfig retrieves the configuration from storage
func getConfig(ctx context.Context, s logical.Storage) (*faucetConfig, error) {
	entry, err := s.Get(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error retrieving config: %w", err)
	}

	if entry == nil {
		return nil, nil
	}

	config := defaultConfig()
	if err := entry.DecodeJSON(config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	return config, nil
}

// getConfigOrDefault returns the stored configuration, or the testnet defaults
func getConfigOrDefault(ctx context.Context, s logical.Storage) (*faucetConfig, error) {
	config, err := getConfig(ctx, s)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return defaultConfig(), nil
	}
	return config, nil
}

const pathConfigHelpSynopsis = `
Configure the Bitcoin faucet secrets engine.
`

const pathConfigHelpDescription = `
This endpoint configures the network, Electrum server, fee rate source and
amounts used when provisioning test wallets.

Parameters:
  - network: mainnet, testnet, testnet4, signet or regtest (default: testnet)
  - electrum_url: Electrum server URL (optional - uses random server from pool if not set)
  - fee_source: blockcypher or electrum (default: blockcypher where available)
  - blockcypher_url: BlockCypher chain endpoint (default: derived from network)
  - fee_tier: low, medium or high (default: low)
  - safety_margin: satoshis added to every fee (default: 100)
  - min_confirmations: minimum confirmations to spend faucet UTXOs (default: 0)
  - unit_amount: satoshis per child output (default: 546)

Without a stored config the engine uses the defaults above.

Example (testnet with random server selection):
  $ vault write btc-faucet/config network=testnet

Example (testnet4 with Electrum fee estimates):
  $ vault write btc-faucet/config \
      network=testnet4 \
      fee_source=electrum \
      fee_tier=medium

Default server pools:
  - mainnet:  electrum.blockstream.info, electrum.bitaroo.net, electrum.emzy.de
  - testnet:  electrum.blockstream.info, testnet.aranguren.org
  - testnet4: mempool.space
  - signet:   mempool.space
  - regtest:  (no default pool - requires explicit electrum_url)
`
