package electrum

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

// Confirmation targets, in blocks, for the high, medium and low fee tiers
const (
	HighFeeTarget   = 1
	MediumFeeTarget = 6
	LowFeeTarget    = 24
)

// FeeRates asks the server for estimates at each tier's confirmation target
// and converts them to satoshis per kilobyte. Targets the server cannot
// estimate fall back to its relay fee.
func (c *Client) FeeRates(ctx context.Context) (*wallet.FeeRateSnapshot, error) {
	var relay int64 = -1

	rate := func(blocks int) (int64, error) {
		btcPerKb, err := c.EstimateFee(ctx, blocks)
		if err != nil {
			return 0, fmt.Errorf("failed to estimate fee for %d blocks: %w", blocks, err)
		}
		if btcPerKb > 0 {
			return toSatPerKb(btcPerKb)
		}

		if relay < 0 {
			relayBtc, err := c.RelayFee(ctx)
			if err != nil {
				return 0, fmt.Errorf("failed to get relay fee: %w", err)
			}
			if relay, err = toSatPerKb(relayBtc); err != nil {
				return 0, err
			}
		}
		return relay, nil
	}

	high, err := rate(HighFeeTarget)
	if err != nil {
		return nil, err
	}
	medium, err := rate(MediumFeeTarget)
	if err != nil {
		return nil, err
	}
	low, err := rate(LowFeeTarget)
	if err != nil {
		return nil, err
	}

	// Longer targets never cost more than shorter ones
	if medium > high {
		medium = high
	}
	if low > medium {
		low = medium
	}

	return &wallet.FeeRateSnapshot{High: high, Medium: medium, Low: low}, nil
}

func toSatPerKb(btcPerKb float64) (int64, error) {
	amount, err := btcutil.NewAmount(btcPerKb)
	if err != nil {
		return 0, fmt.Errorf("invalid fee rate %v BTC/kB: %w", btcPerKb, err)
	}
	if amount < 0 {
		amount = 0
	}
	return int64(amount), nil
}
