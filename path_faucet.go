package btcfaucet

import (
	"context"
	"strings"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-faucet/provision"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

const (
	faucetSourceStored  = "stored"
	faucetSourceDefault = "default"
)

func pathFaucet(b *faucetBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "faucet",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc-faucet",
			},
			Fields: map[string]*framework.FieldSchema{
				"mnemonic": {
					Type:        framework.TypeString,
					Description: "BIP39 mnemonic of the faucet wallet",
				},
				"passphrase": {
					Type:        framework.TypeString,
					Description: "Optional BIP39 passphrase of the faucet wallet",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathFaucetRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "faucet",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathFaucetWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "faucet",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathFaucetDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "faucet",
					},
				},
			},
			HelpSynopsis:    pathFaucetHelpSynopsis,
			HelpDescription: pathFaucetHelpDescription,
		},
	}
}

func (b *faucetBackend) pathFaucetWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	mnemonic := strings.Join(strings.Fields(data.Get("mnemonic").(string)), " ")
	if mnemonic == "" {
		return logical.ErrorResponse("mnemonic is required"), nil
	}
	if _, err := wallet.SeedFromMnemonic(mnemonic, ""); err != nil {
		return logical.ErrorResponse("invalid mnemonic: %v", err), nil
	}

	faucet := &storedFaucet{
		Mnemonic:   mnemonic,
		Passphrase: data.Get("passphrase").(string),
	}
	if err := putStoredFaucet(ctx, req.Storage, faucet); err != nil {
		return nil, err
	}

	b.Logger().Info("faucet wallet stored")

	if !wallet.ValidateMnemonic(mnemonic) {
		resp := &logical.Response{}
		resp.AddWarning("mnemonic fails the BIP39 word list or checksum check; other wallets may not import it")
		return resp, nil
	}
	return nil, nil
}

func (b *faucetBackend) pathFaucetRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	faucet, source, err := b.faucetWallet(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	p, client, err := b.provisioner(ctx, req.Storage)
	if err != nil {
		return b.errorResponse(err)
	}

	seed, err := wallet.SeedFromMnemonic(faucet.Mnemonic, faucet.Passphrase)
	if err != nil {
		return logical.ErrorResponse("stored faucet mnemonic: %v", err), nil
	}

	loaded, err := p.LoadFaucet(ctx, seed)
	if err != nil {
		return b.errorResponse(err)
	}

	tip := loaded.TipHeight
	if tip == 0 && len(loaded.UTXOs) > 0 {
		if tip, err = p.Ledger.GetBlockHeight(ctx); err != nil {
			b.Logger().Warn("failed to get block height, confirmations unavailable", "error", err)
			b.handleClientError(err)
			tip = 0
		}
	}

	scripthash := wallet.ScriptHash(loaded.Descriptor.PkScript)

	b.Logger().Debug("read faucet", "address", loaded.Descriptor.Address, "balance", loaded.Balance,
		"utxos", len(loaded.UTXOs), "source", source)

	resp := &logical.Response{
		Data: map[string]interface{}{
			"address":      loaded.Descriptor.Address,
			"path":         loaded.Descriptor.Path,
			"scripthash":   scripthash,
			"network":      p.Network,
			"balance":      loaded.Balance,
			"utxo_count":   len(loaded.UTXOs),
			"utxos":        utxoInfos(loaded.UTXOs, tip),
			"block_height": tip,
			"source":       source,
		},
	}

	// The server's own balance also counts outputs excluded by min_confirmations
	balance, err := client.GetBalance(ctx, scripthash)
	if err != nil {
		b.Logger().Warn("failed to get balance", "error", err)
		b.handleClientError(err)
		resp.AddWarning("confirmed and unconfirmed balances unavailable: " + err.Error())
		return resp, nil
	}
	resp.Data["confirmed_balance"] = balance.Confirmed
	resp.Data["unconfirmed_balance"] = balance.Unconfirmed

	return resp, nil
}

func (b *faucetBackend) pathFaucetDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	if err := deleteStoredFaucet(ctx, req.Storage); err != nil {
		return nil, err
	}
	b.Logger().Info("faucet wallet deleted, falling back to the default faucet")
	return nil, nil
}

// faucetWallet returns the stored faucet, or the shared default faucet
func (b *faucetBackend) faucetWallet(ctx context.Context, s logical.Storage) (*storedFaucet, string, error) {
	faucet, err := getStoredFaucet(ctx, s)
	if err != nil {
		return nil, "", err
	}
	if faucet == nil {
		return &storedFaucet{Mnemonic: provision.DefaultFaucetMnemonic}, faucetSourceDefault, nil
	}
	return faucet, faucetSourceStored, nil
}

const pathFaucetHelpSynopsis = `
Manage the faucet wallet that funds new test wallets.
`

const pathFaucetHelpDescription = `
The faucet wallet pays for every provisioned test wallet. Funds are spent
from its first BIP49 receiving address (m/49'/coin'/0'/0/0).

Without a stored faucet the engine uses the shared testnet faucet mnemonic.

Write parameters:
  - mnemonic: BIP39 mnemonic (required)
  - passphrase: optional BIP39 passphrase

Read returns the faucet address, its spendable balance and UTXOs, and the
confirmed and unconfirmed balances reported by the Electrum server. The
mnemonic is never returned. A mnemonic that fails the BIP39 checksum is
stored with a warning.

Example:
  $ vault write btc-faucet/faucet mnemonic="word1 word2 ..."
  $ vault read btc-faucet/faucet
  $ vault delete btc-faucet/faucet
`
