package btcfaucet

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/skip2/go-qrcode"

	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

func pathFaucetQR(b *faucetBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "faucet/qr",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc-faucet",
			},
			Fields: map[string]*framework.FieldSchema{
				"size": {
					Type:        framework.TypeInt,
					Description: "QR code size in pixels (default: 256)",
					Default:     256,
				},
				"format": {
					Type:        framework.TypeString,
					Description: "Output format: 'png' (base64) or 'ascii' (default: png)",
					Default:     "png",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathFaucetQRRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "faucet-qr",
					},
				},
			},
			HelpSynopsis:    pathFaucetQRHelpSynopsis,
			HelpDescription: pathFaucetQRHelpDescription,
		},
	}
}

func (b *faucetBackend) pathFaucetQRRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	size := data.Get("size").(int)
	format := data.Get("format").(string)

	b.Logger().Debug("faucet QR code request", "format", format, "size", size)

	if size < 64 || size > 1024 {
		return logical.ErrorResponse("size must be between 64 and 1024"), nil
	}
	if format != "png" && format != "ascii" {
		return logical.ErrorResponse("format must be 'png' or 'ascii'"), nil
	}

	config, err := getConfigOrDefault(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	faucet, _, err := b.faucetWallet(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	seed, err := wallet.SeedFromMnemonic(faucet.Mnemonic, faucet.Passphrase)
	if err != nil {
		return logical.ErrorResponse("stored faucet mnemonic: %v", err), nil
	}

	// Derived locally, the faucet address does not need a server round trip
	desc, err := wallet.Derive(seed, config.Network, wallet.BIP49Path(config.Network, 0, wallet.ChainExternal, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to derive faucet address: %w", err)
	}

	// Generate BIP21 URI
	uri := fmt.Sprintf("bitcoin:%s", desc.Address)

	respData := map[string]interface{}{
		"address": desc.Address,
		"uri":     uri,
	}

	if format == "ascii" {
		qr, err := qrcode.New(uri, qrcode.Medium)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr"] = qr.ToSmallString(false)
		respData["display_hint"] = "vault read -field=qr btc-faucet/faucet/qr format=ascii"
	} else {
		png, err := qrcode.Encode(uri, qrcode.Medium, size)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr_png"] = base64.StdEncoding.EncodeToString(png)
	}

	return &logical.Response{Data: respData}, nil
}

const pathFaucetQRHelpSynopsis = `
Get a QR code for topping up the faucet address.
`

const pathFaucetQRHelpDescription = `
This endpoint returns a QR code for the faucet's funding address so it can be
refilled from a testnet faucet site or another wallet. The QR code contains a
BIP21 URI (bitcoin:address).

Example:
  $ vault read btc-faucet/faucet/qr
  $ vault read btc-faucet/faucet/qr size=512

For ASCII format, use -field to display correctly in terminal:
  $ vault read -field=qr btc-faucet/faucet/qr format=ascii

Parameters:
  - size: QR code size in pixels (default: 256, range: 64-1024)
  - format: 'png' for base64-encoded PNG, 'ascii' for terminal display
`
