package btcfaucet

import (
	"github.com/djschnei21/vault-plugin-btc-faucet/provision"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

// UTXOInfo represents detailed UTXO information
type UTXOInfo struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         int64  `json:"value"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
}

// utxoInfos converts faucet outputs for a response. Confirmations stay zero
// when the tip height is unknown.
func utxoInfos(utxos []wallet.UnspentOutput, tip int64) []UTXOInfo {
	infos := make([]UTXOInfo, 0, len(utxos))
	for _, u := range utxos {
		infos = append(infos, UTXOInfo{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Value:         u.Value,
			Height:        u.Height,
			Confirmations: provision.Confirmations(u.Height, tip),
		})
	}
	return infos
}
