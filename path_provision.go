package btcfaucet

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-faucet/provision"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

// provisionFields are shared by the provision and estimate endpoints
func provisionFields() map[string]*framework.FieldSchema {
	return map[string]*framework.FieldSchema{
		"nb_addresses": {
			Type:        framework.TypeInt,
			Description: "Number of child addresses to derive and fund (default: 10)",
			Default:     provision.DefaultAddresses,
		},
		"transactions": {
			Type:        framework.TypeInt,
			Description: "Number of outputs paid to each child address (default: 1)",
			Default:     provision.DefaultTransactionsPerAddress,
		},
		"faucet_mnemonic": {
			Type:        framework.TypeString,
			Description: "Faucet mnemonic to spend from instead of the stored faucet",
		},
		"faucet_passphrase": {
			Type:        framework.TypeString,
			Description: "BIP39 passphrase for faucet_mnemonic",
		},
	}
}

func pathProvision(b *faucetBackend) []*framework.Path {
	fields := provisionFields()
	fields["mnemonic"] = &framework.FieldSchema{
		Type:        framework.TypeString,
		Description: "Child wallet mnemonic to fund. A new 24 word mnemonic is generated when empty.",
	}
	fields["broadcast"] = &framework.FieldSchema{
		Type:        framework.TypeBool,
		Description: "Broadcast the funding transaction (default: false, only return the signed hex)",
		Default:     false,
	}

	return []*framework.Path{
		{
			Pattern: "provision",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc-faucet",
			},
			Fields: fields,
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathProvisionWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
			},
			HelpSynopsis:    pathProvisionHelpSynopsis,
			HelpDescription: pathProvisionHelpDescription,
		},
	}
}

// provisionRequest reads the shared request fields, falling back to the stored faucet
func (b *faucetBackend) provisionRequest(ctx context.Context, req *logical.Request, data *framework.FieldData) (*provision.Request, string, error) {
	pr := &provision.Request{
		Addresses:              data.Get("nb_addresses").(int),
		TransactionsPerAddress: data.Get("transactions").(int),
	}

	if v, ok := data.GetOk("faucet_mnemonic"); ok && v.(string) != "" {
		pr.FaucetMnemonic = v.(string)
		pr.FaucetPassphrase = data.Get("faucet_passphrase").(string)
		return pr, "request", nil
	}

	faucet, source, err := b.faucetWallet(ctx, req.Storage)
	if err != nil {
		return nil, "", err
	}
	pr.FaucetMnemonic = faucet.Mnemonic
	pr.FaucetPassphrase = faucet.Passphrase
	return pr, source, nil
}

func (b *faucetBackend) pathProvisionWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	pr, source, err := b.provisionRequest(ctx, req, data)
	if err != nil {
		return nil, err
	}
	pr.Mnemonic = data.Get("mnemonic").(string)
	broadcast := data.Get("broadcast").(bool)

	b.Logger().Debug("provision request", "addresses", pr.Addresses, "transactions", pr.TransactionsPerAddress,
		"faucet", source, "broadcast", broadcast)

	p, _, err := b.provisioner(ctx, req.Storage)
	if err != nil {
		return b.errorResponse(err)
	}

	// Broadcast separately so the signed hex survives a rejected broadcast
	result, err := p.Run(ctx, pr)
	if err != nil {
		return b.errorResponse(err)
	}

	resp := &logical.Response{Data: provisionResponseData(result)}
	resp.Data["faucet_source"] = source
	for _, w := range result.Warnings {
		resp.AddWarning(w)
	}

	if !broadcast {
		b.Logger().Info("provisioned test wallet", "txid", result.Transaction.TxID,
			"addresses", len(result.Addresses), "fee", result.Transaction.Fee)
		return resp, nil
	}

	if err := p.Broadcast(ctx, result); err != nil {
		b.Logger().Warn("broadcast failed", "error", err, "txid", result.Transaction.TxID)
		b.handleClientError(err)
		resp.Data["error"] = err.Error()
		resp.Data["broadcast"] = false
		return resp, nil
	}

	resp.Data["txid"] = result.BroadcastTxID
	resp.Data["broadcast"] = true
	b.Logger().Info("provisioned and broadcast test wallet", "txid", result.BroadcastTxID,
		"addresses", len(result.Addresses), "fee", result.Transaction.Fee)
	return resp, nil
}

func provisionResponseData(result *provision.Result) map[string]interface{} {
	tx := result.Transaction
	return map[string]interface{}{
		"mnemonic":                 result.Mnemonic,
		"addresses":                result.Addresses,
		"faucet_address":           result.FaucetAddress,
		"transactions_per_address": result.TransactionsPerAddress,
		"fee_rate_per_kb":          result.FeeRatePerKb,
		"fee_rates":                feeRatesData(result.FeeRates),
		"txid":                     tx.TxID,
		"hex":                      tx.Hex,
		"fee":                      tx.Fee,
		"estimated_size":           tx.EstimatedSize,
		"size":                     tx.Size,
		"vsize":                    tx.VSize,
		"total_input":              tx.TotalInput,
		"total_output":             tx.TotalOutput,
		"change_amount":            tx.ChangeAmount,
		"remaining_balance":        result.RemainingBalance,
		"input_count":              len(tx.Inputs),
		"output_count":             len(tx.Outputs),
		"broadcast":                result.Broadcast,
	}
}

func feeRatesData(rates *wallet.FeeRateSnapshot) map[string]interface{} {
	if rates == nil {
		return nil
	}
	return map[string]interface{}{
		wallet.FeeTierHigh:   rates.High,
		wallet.FeeTierMedium: rates.Medium,
		wallet.FeeTierLow:    rates.Low,
	}
}

const pathProvisionHelpSynopsis = `
Create a new test wallet and fund it from the faucet.
`

const pathProvisionHelpDescription = `
Generates a BIP39 mnemonic (or uses the one given), derives nb_addresses
BIP49 receiving addresses and builds one signed transaction that pays each
address the configured unit_amount, transactions times. The remainder goes
back to the faucet address as change.

The transaction is only broadcast when broadcast=true. If the broadcast
fails, the response still carries the signed hex along with the error.

Parameters:
  - nb_addresses: number of child addresses (default: 10)
  - transactions: outputs per child address (default: 1)
  - mnemonic: child mnemonic to fund (default: newly generated)
  - faucet_mnemonic: spend from this faucet instead of the stored one
  - faucet_passphrase: BIP39 passphrase for faucet_mnemonic
  - broadcast: broadcast the transaction (default: false)

Example:
  $ vault write btc-faucet/provision nb_addresses=5 transactions=2

The response contains the child mnemonic. Treat it as a secret.
`
