package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

type fundingFixture struct {
	funding  *PaymentDescriptor
	privKey  *btcec.PrivateKey
	children []*PaymentDescriptor
}

func newFundingFixture(t *testing.T, nbChildren int) *fundingFixture {
	t.Helper()

	seed := testSeed(t)
	path := BIP49Path("testnet", 0, ChainExternal, 0)

	funding, err := Derive(seed, "testnet", path)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	key, err := DeriveKeyFromPath(seed, "testnet", path)
	if err != nil {
		t.Fatalf("DeriveKeyFromPath() error = %v", err)
	}
	privKey, err := GetPrivateKey(key)
	if err != nil {
		t.Fatalf("GetPrivateKey() error = %v", err)
	}

	childSeed, err := SeedFromMnemonic("legal winner thank year wave sausage worth useful legal winner thank yellow", "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error = %v", err)
	}
	children, err := DeriveChildren(childSeed, "testnet", 0, nbChildren)
	if err != nil {
		t.Fatalf("DeriveChildren() error = %v", err)
	}

	return &fundingFixture{funding: funding, privKey: privKey, children: children}
}

func (f *fundingFixture) utxo(n int, value int64) UnspentOutput {
	return UnspentOutput{
		TxID:         strings.Repeat("ab", 31) + fmt.Sprintf("%02x", n),
		Vout:         uint32(n),
		Value:        value,
		PkScript:     f.funding.PkScript,
		RedeemScript: f.funding.RedeemScript,
		ScriptType:   f.funding.ScriptType,
	}
}

func (f *fundingFixture) request(utxos []UnspentOutput, repeat int, unit int64) *BuildRequest {
	recipients := make([]Recipient, 0, len(f.children))
	for _, child := range f.children {
		recipients = append(recipients, Recipient{Descriptor: child, Repeat: repeat, UnitAmount: unit})
	}
	return &BuildRequest{
		Funding:      f.funding,
		UTXOs:        utxos,
		Recipients:   recipients,
		FeeRatePerKb: 1000,
		SafetyMargin: DefaultSafetyMargin,
		PrivateKey:   f.privKey,
	}
}

// verifyScripts runs every input through the script engine
func verifyScripts(t *testing.T, tx *wire.MsgTx, utxos []UnspentOutput) {
	t.Helper()

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range utxos {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			t.Fatalf("bad txid: %v", err)
		}
		prevOuts.AddPrevOut(wire.OutPoint{Hash: *hash, Index: utxo.Vout}, wire.NewTxOut(utxo.Value, utxo.PkScript))
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)

	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(utxos[i].PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, utxos[i].Value, prevOuts)
		if err != nil {
			t.Fatalf("NewEngine(input %d) error = %v", i, err)
		}
		if err := vm.Execute(); err != nil {
			t.Errorf("input %d does not verify: %v", i, err)
		}
	}
}

func assertBalanced(t *testing.T, signed *SignedTransaction) {
	t.Helper()

	var totalIn, totalOut int64
	for _, in := range signed.Inputs {
		totalIn += in.Value
	}
	for _, out := range signed.Tx.TxOut {
		totalOut += out.Value
	}
	if totalIn != totalOut+signed.Fee {
		t.Errorf("inputs %d != outputs %d + fee %d", totalIn, totalOut, signed.Fee)
	}
}

func TestBuildFundingTransaction(t *testing.T) {
	t.Run("single utxo two recipients", func(t *testing.T) {
		f := newFundingFixture(t, 2)
		utxos := []UnspentOutput{f.utxo(1, 100000)}

		signed, err := BuildFundingTransaction(f.request(utxos, 1, DefaultUnitAmount))
		if err != nil {
			t.Fatalf("BuildFundingTransaction() error = %v", err)
		}

		if signed.EstimatedSize != 198 {
			t.Errorf("EstimatedSize = %d, want 198", signed.EstimatedSize)
		}
		if signed.Fee != 298 {
			t.Errorf("Fee = %d, want 298", signed.Fee)
		}
		if signed.ChangeAmount != 100000-2*546-298 {
			t.Errorf("ChangeAmount = %d, want %d", signed.ChangeAmount, 100000-2*546-298)
		}
		if len(signed.Tx.TxIn) != 1 || len(signed.Tx.TxOut) != 3 {
			t.Fatalf("got %d inputs and %d outputs, want 1 and 3", len(signed.Tx.TxIn), len(signed.Tx.TxOut))
		}
		if signed.VSize > signed.EstimatedSize {
			t.Errorf("VSize %d exceeds estimate %d", signed.VSize, signed.EstimatedSize)
		}

		assertBalanced(t, signed)
		verifyScripts(t, signed.Tx, utxos)
	})

	t.Run("every utxo is consumed", func(t *testing.T) {
		f := newFundingFixture(t, 2)
		utxos := []UnspentOutput{f.utxo(1, 3000), f.utxo(2, 4000), f.utxo(3, 5000)}

		signed, err := BuildFundingTransaction(f.request(utxos, 1, DefaultUnitAmount))
		if err != nil {
			t.Fatalf("BuildFundingTransaction() error = %v", err)
		}
		if len(signed.Tx.TxIn) != 3 {
			t.Fatalf("got %d inputs, want 3", len(signed.Tx.TxIn))
		}
		for i, in := range signed.Tx.TxIn {
			if in.PreviousOutPoint.Hash.String() != utxos[i].TxID || in.PreviousOutPoint.Index != utxos[i].Vout {
				t.Errorf("input %d spends %v, want %s:%d", i, in.PreviousOutPoint, utxos[i].TxID, utxos[i].Vout)
			}
		}

		// 3*364 + 3*128 + 2 + 32 + 8 = 1518 WU
		if signed.EstimatedSize != 380 {
			t.Errorf("EstimatedSize = %d, want 380", signed.EstimatedSize)
		}
		if signed.Fee != 480 {
			t.Errorf("Fee = %d, want 480", signed.Fee)
		}

		assertBalanced(t, signed)
		verifyScripts(t, signed.Tx, utxos)
	})

	t.Run("output ordering with repeats", func(t *testing.T) {
		f := newFundingFixture(t, 2)
		utxos := []UnspentOutput{f.utxo(1, 50000)}

		signed, err := BuildFundingTransaction(f.request(utxos, 3, 1000))
		if err != nil {
			t.Fatalf("BuildFundingTransaction() error = %v", err)
		}
		if len(signed.Tx.TxOut) != 7 {
			t.Fatalf("got %d outputs, want 7", len(signed.Tx.TxOut))
		}

		for i := 0; i < 6; i++ {
			child := f.children[i/3]
			out := signed.Tx.TxOut[i]
			if !bytes.Equal(out.PkScript, child.PkScript) || out.Value != 1000 {
				t.Errorf("output %d = %d to %x, want 1000 to %s", i, out.Value, out.PkScript, child.Address)
			}
			if signed.Outputs[i].Address != child.Address || signed.Outputs[i].Change {
				t.Errorf("output summary %d = %+v", i, signed.Outputs[i])
			}
		}

		last := signed.Tx.TxOut[6]
		if !bytes.Equal(last.PkScript, f.funding.PkScript) {
			t.Error("change output does not pay the funding address")
		}
		if !signed.Outputs[6].Change || last.Value != signed.ChangeAmount {
			t.Errorf("change summary = %+v, want change of %d", signed.Outputs[6], signed.ChangeAmount)
		}

		assertBalanced(t, signed)
		verifyScripts(t, signed.Tx, utxos)
	})

	t.Run("insufficient funds reports shortfall", func(t *testing.T) {
		f := newFundingFixture(t, 2)

		_, err := BuildFundingTransaction(f.request([]UnspentOutput{f.utxo(1, 1000)}, 1, 1000))
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("BuildFundingTransaction() error = %v, want ErrInsufficientFunds", err)
		}
		var insufficient *InsufficientFundsError
		if !errors.As(err, &insufficient) {
			t.Fatalf("error %T is not *InsufficientFundsError", err)
		}
		if insufficient.Shortfall() != 1000 {
			t.Errorf("Shortfall() = %d, want 1000", insufficient.Shortfall())
		}
	})

	t.Run("no utxos is insufficient", func(t *testing.T) {
		f := newFundingFixture(t, 1)
		_, err := BuildFundingTransaction(f.request(nil, 1, DefaultUnitAmount))
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Errorf("BuildFundingTransaction() error = %v, want ErrInsufficientFunds", err)
		}
	})

	t.Run("change of one satoshi", func(t *testing.T) {
		f := newFundingFixture(t, 2)
		utxos := []UnspentOutput{f.utxo(1, 2*546+298+1)}

		signed, err := BuildFundingTransaction(f.request(utxos, 1, DefaultUnitAmount))
		if err != nil {
			t.Fatalf("BuildFundingTransaction() error = %v", err)
		}
		if signed.ChangeAmount != 1 {
			t.Errorf("ChangeAmount = %d, want 1", signed.ChangeAmount)
		}
		if got := signed.Tx.TxOut[len(signed.Tx.TxOut)-1].Value; got != 1 {
			t.Errorf("change output = %d, want 1", got)
		}
		assertBalanced(t, signed)
	})

	t.Run("fee exceeds available", func(t *testing.T) {
		f := newFundingFixture(t, 2)
		utxos := []UnspentOutput{f.utxo(1, 2*546+298-1)}

		_, err := BuildFundingTransaction(f.request(utxos, 1, DefaultUnitAmount))
		if !errors.Is(err, ErrFeeExceedsAvailable) {
			t.Fatalf("BuildFundingTransaction() error = %v, want ErrFeeExceedsAvailable", err)
		}
		var feeErr *FeeExceedsAvailableError
		if !errors.As(err, &feeErr) || feeErr.Fee != 298 {
			t.Errorf("error = %#v, want fee 298", err)
		}
	})

	t.Run("utxo without redeem script uses funding descriptor", func(t *testing.T) {
		f := newFundingFixture(t, 1)
		utxo := f.utxo(1, 20000)
		utxo.RedeemScript = nil
		utxo.ScriptType = ""

		signed, err := BuildFundingTransaction(f.request([]UnspentOutput{utxo}, 1, DefaultUnitAmount))
		if err != nil {
			t.Fatalf("BuildFundingTransaction() error = %v", err)
		}
		verifyScripts(t, signed.Tx, []UnspentOutput{utxo})
	})

	t.Run("hex round trips", func(t *testing.T) {
		f := newFundingFixture(t, 2)
		signed, err := BuildFundingTransaction(f.request([]UnspentOutput{f.utxo(1, 100000)}, 1, DefaultUnitAmount))
		if err != nil {
			t.Fatalf("BuildFundingTransaction() error = %v", err)
		}

		raw, err := hex.DecodeString(signed.Hex)
		if err != nil {
			t.Fatalf("hex.DecodeString() error = %v", err)
		}
		if len(raw) != signed.Size {
			t.Errorf("Size = %d, hex has %d bytes", signed.Size, len(raw))
		}

		var decoded wire.MsgTx
		if err := decoded.Deserialize(bytes.NewReader(raw)); err != nil {
			t.Fatalf("Deserialize() error = %v", err)
		}
		if decoded.TxHash().String() != signed.TxID {
			t.Errorf("decoded txid = %s, want %s", decoded.TxHash(), signed.TxID)
		}
		if !decoded.HasWitness() {
			t.Error("decoded transaction has no witness")
		}
		if len(decoded.TxIn[0].SignatureScript) != 23 {
			t.Errorf("scriptSig length = %d, want 23 (push of the redeem script)", len(decoded.TxIn[0].SignatureScript))
		}
	})
}

func TestBuildFundingTransactionValidation(t *testing.T) {
	f := newFundingFixture(t, 1)

	tests := []struct {
		name   string
		mutate func(req *BuildRequest)
	}{
		{"no funding descriptor", func(req *BuildRequest) { req.Funding = nil }},
		{"no recipients", func(req *BuildRequest) { req.Recipients = nil }},
		{"zero repeat", func(req *BuildRequest) { req.Recipients[0].Repeat = 0 }},
		{"zero unit amount", func(req *BuildRequest) { req.Recipients[0].UnitAmount = 0 }},
		{"nil recipient descriptor", func(req *BuildRequest) { req.Recipients[0].Descriptor = nil }},
		{"recipient without output script", func(req *BuildRequest) {
			req.Recipients[0].Descriptor = &PaymentDescriptor{Network: "testnet", ScriptType: ScriptP2SHP2WPKH}
		}},
		{"no private key", func(req *BuildRequest) { req.PrivateKey = nil }},
		{"negative utxo", func(req *BuildRequest) { req.UTXOs[0].Value = -1 }},
		{"bad txid", func(req *BuildRequest) { req.UTXOs[0].TxID = "zz" }},
		{"utxo of another key", func(req *BuildRequest) {
			req.UTXOs[0].PkScript = f.children[0].PkScript
			req.UTXOs[0].RedeemScript = f.children[0].RedeemScript
		}},
		{"wrong private key", func(req *BuildRequest) {
			other, _ := btcec.NewPrivateKey()
			req.PrivateKey = other
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request([]UnspentOutput{f.utxo(1, 100000)}, 1, DefaultUnitAmount)
			tt.mutate(req)
			if _, err := BuildFundingTransaction(req); err == nil {
				t.Error("BuildFundingTransaction() should fail")
			}
		})
	}
}

func TestScriptlessRecipient(t *testing.T) {
	f := newFundingFixture(t, 1)
	req := f.request([]UnspentOutput{f.utxo(1, 100000)}, 1, DefaultUnitAmount)
	req.Recipients = append(req.Recipients, Recipient{
		Descriptor: &PaymentDescriptor{Network: "testnet", ScriptType: ScriptP2SHP2WPKH},
		Repeat:     1,
		UnitAmount: DefaultUnitAmount,
	})

	// Planning only needs the script type
	if _, err := PlanFunding(req); err != nil {
		t.Fatalf("PlanFunding() error = %v", err)
	}

	_, err := BuildFundingTransaction(req)
	if err == nil || !strings.Contains(err.Error(), "recipient 1 has no output script") {
		t.Errorf("BuildFundingTransaction() error = %v, want missing output script", err)
	}
}

func TestBuildFundingTransactionDeterministic(t *testing.T) {
	f := newFundingFixture(t, 3)
	utxos := []UnspentOutput{f.utxo(1, 60000), f.utxo(2, 40000)}

	first, err := BuildFundingTransaction(f.request(utxos, 2, DefaultUnitAmount))
	if err != nil {
		t.Fatalf("BuildFundingTransaction() error = %v", err)
	}
	second, err := BuildFundingTransaction(f.request(utxos, 2, DefaultUnitAmount))
	if err != nil {
		t.Fatalf("BuildFundingTransaction() error = %v", err)
	}

	if first.Fee != second.Fee {
		t.Errorf("Fee = %d then %d", first.Fee, second.Fee)
	}
	if first.ChangeAmount != second.ChangeAmount {
		t.Errorf("ChangeAmount = %d then %d", first.ChangeAmount, second.ChangeAmount)
	}
	if len(first.Outputs) != len(second.Outputs) {
		t.Fatalf("Outputs = %d then %d", len(first.Outputs), len(second.Outputs))
	}
	for i := range first.Outputs {
		if first.Outputs[i] != second.Outputs[i] {
			t.Errorf("output %d = %+v then %+v", i, first.Outputs[i], second.Outputs[i])
		}
	}
	// RFC6979 nonces make the signatures, and so the txid and hex, repeatable
	if first.TxID != second.TxID {
		t.Errorf("TxID = %s then %s", first.TxID, second.TxID)
	}
	if first.Hex != second.Hex {
		t.Error("Hex differs between identical builds")
	}
}

func TestPlanFunding(t *testing.T) {
	f := newFundingFixture(t, 3)

	plan, err := PlanFunding(f.request([]UnspentOutput{f.utxo(1, 10000), f.utxo(2, 10000)}, 2, 600))
	if err != nil {
		t.Fatalf("PlanFunding() error = %v", err)
	}

	if plan.Required != 3*2*600 {
		t.Errorf("Required = %d, want %d", plan.Required, 3*2*600)
	}
	if plan.InputCounts[ScriptP2SHP2WPKH] != 2 {
		t.Errorf("InputCounts = %v", plan.InputCounts)
	}
	// six payments plus the change output
	if plan.OutputCounts[ScriptP2SHP2WPKH] != 7 {
		t.Errorf("OutputCounts = %v", plan.OutputCounts)
	}
	if plan.Change != plan.TotalInput-plan.Required-plan.Fee {
		t.Errorf("Change = %d, want %d", plan.Change, plan.TotalInput-plan.Required-plan.Fee)
	}
	if plan.Fee != ComputeFee(plan.EstimatedSize, 1000, DefaultSafetyMargin) {
		t.Errorf("Fee = %d does not match estimate %d", plan.Fee, plan.EstimatedSize)
	}
}

func TestCheckBalance(t *testing.T) {
	utxos := []UnspentOutput{{Value: 1000}, {Value: 500}}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{})
	tx.AddTxIn(&wire.TxIn{})
	tx.AddTxOut(wire.NewTxOut(1200, nil))

	if err := checkBalance(tx, utxos, 300); err != nil {
		t.Errorf("checkBalance() error = %v", err)
	}
	if err := checkBalance(tx, utxos, 299); !errors.Is(err, ErrUnbalancedTransaction) {
		t.Errorf("checkBalance() error = %v, want ErrUnbalancedTransaction", err)
	}
	if err := checkBalance(tx, utxos[:1], 0); !errors.Is(err, ErrUnbalancedTransaction) {
		t.Errorf("checkBalance() error = %v, want ErrUnbalancedTransaction", err)
	}

	tx.AddTxOut(wire.NewTxOut(-1, nil))
	if err := checkBalance(tx, utxos, 301); !errors.Is(err, ErrUnbalancedTransaction) {
		t.Errorf("checkBalance() error = %v, want ErrUnbalancedTransaction", err)
	}
}
