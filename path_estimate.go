package btcfaucet

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
)

func pathEstimate(b *faucetBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "estimate",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc-faucet",
			},
			Fields: provisionFields(),
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathEstimateRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "estimate",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathEstimateRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "estimate",
					},
				},
			},
			HelpSynopsis:    pathEstimateHelpSynopsis,
			HelpDescription: pathEstimateHelpDescription,
		},
	}
}

func (b *faucetBackend) pathEstimateRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	pr, source, err := b.provisionRequest(ctx, req, data)
	if err != nil {
		return nil, err
	}

	p, _, err := b.provisioner(ctx, req.Storage)
	if err != nil {
		return b.errorResponse(err)
	}

	est, err := p.Estimate(ctx, pr)
	if err != nil {
		return b.errorResponse(err)
	}

	b.Logger().Debug("estimate", "fee", est.Plan.Fee, "estimated_size", est.Plan.EstimatedSize,
		"utxos", est.UTXOCount)

	return &logical.Response{
		Data: map[string]interface{}{
			"faucet_address":  est.FaucetAddress,
			"faucet_source":   source,
			"utxo_count":      est.UTXOCount,
			"fee_rate_per_kb": est.FeeRatePerKb,
			"fee_rates":       feeRatesData(est.FeeRates),
			"estimated_size":  est.Plan.EstimatedSize,
			"fee":             est.Plan.Fee,
			"total_input":     est.Plan.TotalInput,
			"required":        est.Plan.Required,
			"change_amount":   est.Plan.Change,
		},
	}, nil
}

const pathEstimateHelpSynopsis = `
Estimate the fee of a provisioning run without signing anything.
`

const pathEstimateHelpDescription = `
Loads the faucet UTXOs and current fee rates and computes the estimated size,
fee and change of a funding transaction for the given number of addresses and
transactions. No mnemonic is generated and nothing is broadcast.

Parameters:
  - nb_addresses: number of child addresses (default: 10)
  - transactions: outputs per child address (default: 1)
  - faucet_mnemonic: estimate against this faucet instead of the stored one
  - faucet_passphrase: BIP39 passphrase for faucet_mnemonic

Example:
  $ vault read btc-faucet/estimate nb_addresses=20
`
