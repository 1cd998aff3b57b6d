package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// UnspentOutput is one spendable output of the funding wallet
type UnspentOutput struct {
	TxID         string     `json:"txid"`
	Vout         uint32     `json:"vout"`
	Value        int64      `json:"value"`
	PkScript     []byte     `json:"pk_script"`
	RedeemScript []byte     `json:"redeem_script,omitempty"`
	ScriptType   ScriptType `json:"script_type"`
	Height       int64      `json:"height"`
}

// Recipient receives Repeat outputs of UnitAmount satoshis each
type Recipient struct {
	Descriptor *PaymentDescriptor
	Repeat     int
	UnitAmount int64
}

// TxOutput represents a transaction output
type TxOutput struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
	Change  bool   `json:"change,omitempty"`
}

// BuildRequest carries everything one build pass needs. The funding key is
// explicit: every input is spent by PrivateKey.
type BuildRequest struct {
	Funding      *PaymentDescriptor
	UTXOs        []UnspentOutput
	Recipients   []Recipient
	FeeRatePerKb int64
	SafetyMargin int64
	SizeTable    *SizeTable
	PrivateKey   *btcec.PrivateKey
}

// FundingPlan is the fee and change computed for a BuildRequest before signing
type FundingPlan struct {
	TotalInput    int64           `json:"total_input"`
	Required      int64           `json:"required"`
	EstimatedSize int64           `json:"estimated_size"`
	Fee           int64           `json:"fee"`
	Change        int64           `json:"change"`
	InputCounts   ScriptTypeCount `json:"input_counts"`
	OutputCounts  ScriptTypeCount `json:"output_counts"`
}

// SignedTransaction is the finalized, broadcast-ready funding transaction
type SignedTransaction struct {
	TxID          string          `json:"txid"`
	Hex           string          `json:"hex"`
	Tx            *wire.MsgTx     `json:"-"`
	Inputs        []UnspentOutput `json:"inputs"`
	Outputs       []TxOutput      `json:"outputs"`
	Fee           int64           `json:"fee"`
	TotalInput    int64           `json:"total_input"`
	TotalOutput   int64           `json:"total_output"`
	ChangeAmount  int64           `json:"change_amount"`
	EstimatedSize int64           `json:"estimated_size"`
	Size          int             `json:"size"`
	VSize         int64           `json:"vsize"`
}

// PlanFunding validates the request and computes fee and change.
// It fails with *InsufficientFundsError when the UTXOs cannot cover the
// payments and with *FeeExceedsAvailableError when the fee leaves negative change.
func PlanFunding(req *BuildRequest) (*FundingPlan, error) {
	if req.Funding == nil {
		return nil, fmt.Errorf("funding descriptor is required")
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	var required int64
	outputCounts := ScriptTypeCount{}
	for i, r := range req.Recipients {
		if r.Descriptor == nil {
			return nil, fmt.Errorf("recipient %d has no descriptor", i)
		}
		if r.Repeat < 1 {
			return nil, fmt.Errorf("recipient %d: repeat count must be >= 1, got %d", i, r.Repeat)
		}
		if r.UnitAmount <= 0 {
			return nil, fmt.Errorf("recipient %d: unit amount must be positive, got %d", i, r.UnitAmount)
		}
		required += int64(r.Repeat) * r.UnitAmount
		outputCounts.Add(r.Descriptor.ScriptType, r.Repeat)
	}
	// Pending change output back to the funding wallet
	outputCounts.Add(req.Funding.ScriptType, 1)

	var totalInput int64
	inputCounts := ScriptTypeCount{}
	for _, utxo := range req.UTXOs {
		if utxo.Value < 0 {
			return nil, fmt.Errorf("utxo %s:%d has negative value %d", utxo.TxID, utxo.Vout, utxo.Value)
		}
		totalInput += utxo.Value
		inputCounts.Add(inputScriptType(utxo, req.Funding), 1)
	}

	if totalInput < required {
		return nil, &InsufficientFundsError{Available: totalInput, Required: required}
	}

	table := req.SizeTable
	if table == nil {
		table = DefaultSizeTable
	}
	size := table.EstimateBytes(inputCounts, outputCounts)
	fee := ComputeFee(size, req.FeeRatePerKb, req.SafetyMargin)

	change := totalInput - required - fee
	if change < 0 {
		return nil, &FeeExceedsAvailableError{Available: totalInput, Required: required, Fee: fee}
	}

	return &FundingPlan{
		TotalInput:    totalInput,
		Required:      required,
		EstimatedSize: size,
		Fee:           fee,
		Change:        change,
		InputCounts:   inputCounts,
		OutputCounts:  outputCounts,
	}, nil
}

// BuildFundingTransaction spends every UTXO, pays each recipient Repeat
// outputs of UnitAmount and returns the remainder (minus fee) to the funding
// address. Outputs are ordered by recipient in list order, then by repetition
// index, and the change output is always last.
func BuildFundingTransaction(req *BuildRequest) (*SignedTransaction, error) {
	plan, err := PlanFunding(req)
	if err != nil {
		return nil, err
	}
	if req.PrivateKey == nil {
		return nil, fmt.Errorf("funding private key is required")
	}
	if len(req.Funding.PkScript) == 0 {
		return nil, fmt.Errorf("funding descriptor has no output script")
	}
	for i, r := range req.Recipients {
		if len(r.Descriptor.PkScript) == 0 {
			return nil, fmt.Errorf("recipient %d has no output script", i)
		}
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	for _, utxo := range req.UTXOs {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil))
	}

	var outputs []TxOutput
	for _, r := range req.Recipients {
		for n := 0; n < r.Repeat; n++ {
			tx.AddTxOut(wire.NewTxOut(r.UnitAmount, r.Descriptor.PkScript))
			outputs = append(outputs, TxOutput{Address: r.Descriptor.Address, Value: r.UnitAmount})
		}
	}

	tx.AddTxOut(wire.NewTxOut(plan.Change, req.Funding.PkScript))
	outputs = append(outputs, TxOutput{Address: req.Funding.Address, Value: plan.Change, Change: true})

	finalTx, err := signAndFinalize(tx, req.UTXOs, req.Funding, req.PrivateKey)
	if err != nil {
		return nil, err
	}

	if err := checkBalance(finalTx, req.UTXOs, plan.Fee); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := finalTx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	return &SignedTransaction{
		TxID:          finalTx.TxHash().String(),
		Hex:           hex.EncodeToString(buf.Bytes()),
		Tx:            finalTx,
		Inputs:        req.UTXOs,
		Outputs:       outputs,
		Fee:           plan.Fee,
		TotalInput:    plan.TotalInput,
		TotalOutput:   plan.Required + plan.Change,
		ChangeAmount:  plan.Change,
		EstimatedSize: plan.EstimatedSize,
		Size:          buf.Len(),
		VSize:         mempool.GetTxVirtualSize(btcutil.NewTx(finalTx)),
	}, nil
}

// signAndFinalize wraps tx in a PSBT, adds one P2SH-P2WPKH signature per
// input and finalizes every input before extracting the network transaction
func signAndFinalize(tx *wire.MsgTx, utxos []UnspentOutput, funding *PaymentDescriptor,
	privKey *btcec.PrivateKey) (*wire.MsgTx, error) {

	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to create PSBT: %w", err)
	}

	pubKey := privKey.PubKey().SerializeCompressed()
	pubKeyHash := btcutil.Hash160(pubKey)

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(utxos))
	for i, utxo := range utxos {
		redeemScript := utxo.RedeemScript
		if len(redeemScript) == 0 {
			redeemScript = funding.RedeemScript
		}
		if err := checkSpendable(utxo.PkScript, redeemScript, pubKeyHash); err != nil {
			return nil, fmt.Errorf("input %d (%s:%d): %w", i, utxo.TxID, utxo.Vout, err)
		}

		prevOut := wire.NewTxOut(utxo.Value, utxo.PkScript)
		prevOuts[tx.TxIn[i].PreviousOutPoint] = prevOut
		p.Inputs[i].WitnessUtxo = prevOut
		p.Inputs[i].RedeemScript = redeemScript
		p.Inputs[i].SighashType = txscript.SigHashAll
	}

	prevOutFetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, prevOutFetcher)

	for i := range p.Inputs {
		// BIP143 signs the witness program; txscript expands it to the P2PKH script code
		sig, err := txscript.RawTxInWitnessSignature(
			p.UnsignedTx,
			sigHashes,
			i,
			p.Inputs[i].WitnessUtxo.Value,
			p.Inputs[i].RedeemScript,
			txscript.SigHashAll,
			privKey,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}

		p.Inputs[i].PartialSigs = append(p.Inputs[i].PartialSigs, &psbt.PartialSig{
			PubKey:    pubKey,
			Signature: sig,
		})
	}

	for i := range p.Inputs {
		if err := psbt.Finalize(p, i); err != nil {
			return nil, fmt.Errorf("failed to finalize input %d: %w", i, err)
		}
	}

	finalTx, err := psbt.Extract(p)
	if err != nil {
		return nil, fmt.Errorf("failed to extract transaction: %w", err)
	}

	return finalTx, nil
}

// checkSpendable verifies that pkScript pays to P2SH(redeemScript) and that
// redeemScript is the witness program of pubKeyHash
func checkSpendable(pkScript, redeemScript, pubKeyHash []byte) error {
	if !txscript.IsPayToWitnessPubKeyHash(redeemScript) {
		return fmt.Errorf("redeem script is not a P2WPKH program")
	}
	if !bytes.Equal(redeemScript[2:], pubKeyHash) {
		return fmt.Errorf("redeem script does not match the funding key")
	}

	wantPkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(redeemScript)).
		AddOp(txscript.OP_EQUAL).
		Script()
	if err != nil {
		return fmt.Errorf("failed to build P2SH script: %w", err)
	}
	if !bytes.Equal(pkScript, wantPkScript) {
		return fmt.Errorf("output script is not P2SH of the redeem script")
	}

	return nil
}

// checkBalance enforces sum(inputs) == sum(outputs) + fee on the final transaction
func checkBalance(tx *wire.MsgTx, utxos []UnspentOutput, fee int64) error {
	var totalIn, totalOut int64
	for _, utxo := range utxos {
		totalIn += utxo.Value
	}
	for _, out := range tx.TxOut {
		if out.Value < 0 {
			return fmt.Errorf("%w: negative output value %d", ErrUnbalancedTransaction, out.Value)
		}
		totalOut += out.Value
	}
	if len(tx.TxIn) != len(utxos) {
		return fmt.Errorf("%w: %d inputs for %d utxos", ErrUnbalancedTransaction, len(tx.TxIn), len(utxos))
	}
	if totalIn != totalOut+fee {
		return fmt.Errorf("%w: inputs %d != outputs %d + fee %d", ErrUnbalancedTransaction, totalIn, totalOut, fee)
	}
	return nil
}

// inputScriptType falls back to the funding type for UTXOs fetched without one
func inputScriptType(utxo UnspentOutput, funding *PaymentDescriptor) ScriptType {
	if utxo.ScriptType != "" {
		return utxo.ScriptType
	}
	return funding.ScriptType
}
