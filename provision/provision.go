// Package provision funds a freshly generated test wallet from a faucet wallet.
//
// A run derives the faucet's BIP49 key, fetches its unspent outputs, creates
// (or accepts) a child mnemonic, derives the child receiving addresses and
// builds one signed transaction paying every child the unit amount the
// requested number of times. Broadcasting is optional.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/djschnei21/vault-plugin-btc-faucet/electrum"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

const (
	// DefaultAddresses is the number of child addresses derived per run
	DefaultAddresses = 10

	// DefaultTransactionsPerAddress is how many outputs each child receives
	DefaultTransactionsPerAddress = 1

	// DefaultFaucetMnemonic is the shared testnet faucet wallet
	DefaultFaucetMnemonic = "barrel umbrella wide finger tackle eight summer build picnic abandon awkward rug oak claim shoulder"

	// MaxOutputs keeps a funding transaction well below the standard weight limit
	MaxOutputs = 3000
)

// ErrInvalidRequest is returned for requests that cannot produce a transaction
var ErrInvalidRequest = errors.New("provision: invalid request")

// Ledger is the chain view the provisioner needs. *electrum.Client implements it.
type Ledger interface {
	ListUnspent(ctx context.Context, scripthash string) ([]electrum.UTXO, error)
	GetBlockHeight(ctx context.Context) (int64, error)
	BroadcastTransaction(ctx context.Context, rawtx string) (string, error)
}

// FeeRateSource returns current network fee rates in satoshis per kilobyte
type FeeRateSource interface {
	FeeRates(ctx context.Context) (*wallet.FeeRateSnapshot, error)
}

// Provisioner runs funding flows against one network
type Provisioner struct {
	Ledger  Ledger
	Fees    FeeRateSource
	Logger  hclog.Logger
	Network string

	UnitAmount       int64
	SafetyMargin     int64
	FeeTier          string
	MinConfirmations int64
	SizeTable        *wallet.SizeTable
}

// New returns a Provisioner with the default unit amount, safety margin and fee tier
func New(ledger Ledger, fees FeeRateSource, network string, logger hclog.Logger) *Provisioner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Provisioner{
		Ledger:       ledger,
		Fees:         fees,
		Logger:       logger,
		Network:      network,
		UnitAmount:   wallet.DefaultUnitAmount,
		SafetyMargin: wallet.DefaultSafetyMargin,
		FeeTier:      wallet.FeeTierLow,
	}
}

// Request describes one funding run
type Request struct {
	// FaucetMnemonic defaults to DefaultFaucetMnemonic when empty
	FaucetMnemonic   string
	FaucetPassphrase string

	// Both counts must be at least 1
	Addresses              int
	TransactionsPerAddress int

	// Mnemonic is the child wallet mnemonic. A new one is generated when empty.
	Mnemonic string

	Broadcast bool
}

// Result is the outcome of Run
type Result struct {
	Mnemonic               string                    `json:"mnemonic"`
	Addresses              []string                  `json:"addresses"`
	FaucetAddress          string                    `json:"faucet_address"`
	TransactionsPerAddress int                       `json:"transactions_per_address"`
	FeeRates               *wallet.FeeRateSnapshot   `json:"fee_rates"`
	FeeRatePerKb           int64                     `json:"fee_rate_per_kb"`
	Transaction            *wallet.SignedTransaction `json:"transaction"`
	RemainingBalance       int64                     `json:"remaining_balance"`
	Broadcast              bool                      `json:"broadcast"`
	BroadcastTxID          string                    `json:"broadcast_txid,omitempty"`
	Warnings               []string                  `json:"warnings,omitempty"`
}

// EstimateResult is the outcome of Estimate
type EstimateResult struct {
	FaucetAddress string                  `json:"faucet_address"`
	UTXOCount     int                     `json:"utxo_count"`
	FeeRates      *wallet.FeeRateSnapshot `json:"fee_rates"`
	FeeRatePerKb  int64                   `json:"fee_rate_per_kb"`
	Plan          *wallet.FundingPlan     `json:"plan"`
}

// Faucet is the faucet wallet's funding key and spendable outputs
type Faucet struct {
	Descriptor *wallet.PaymentDescriptor
	UTXOs      []wallet.UnspentOutput
	Balance    int64
	TipHeight  int64
}

// Run provisions a child wallet and builds its funding transaction
func (p *Provisioner) Run(ctx context.Context, req *Request) (*Result, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}
	logger := p.logger()

	faucetSeed, err := wallet.SeedFromMnemonic(req.FaucetMnemonic, req.FaucetPassphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: faucet mnemonic: %v", ErrInvalidRequest, err)
	}

	faucet, err := p.LoadFaucet(ctx, faucetSeed)
	if err != nil {
		return nil, err
	}

	required := int64(req.Addresses) * int64(req.TransactionsPerAddress) * p.unitAmount()
	logger.Info("checking faucet balance", "address", faucet.Descriptor.Address,
		"balance", faucet.Balance, "required", required, "utxos", len(faucet.UTXOs))
	if faucet.Balance < required {
		return nil, &wallet.InsufficientFundsError{Available: faucet.Balance, Required: required}
	}

	mnemonic := req.Mnemonic
	if mnemonic == "" {
		if mnemonic, err = wallet.GenerateMnemonic(); err != nil {
			return nil, err
		}
	}
	childSeed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("%w: child mnemonic: %v", ErrInvalidRequest, err)
	}
	var warnings []string
	if req.Mnemonic != "" && !wallet.ValidateMnemonic(mnemonic) {
		warnings = append(warnings, "child mnemonic fails the BIP39 checksum; wallets that enforce it will not import it")
	}

	children, err := wallet.DeriveChildren(childSeed, p.Network, 0, req.Addresses)
	if err != nil {
		return nil, fmt.Errorf("failed to derive child addresses: %w", err)
	}

	rates, rate, err := p.feeRate(ctx)
	if err != nil {
		return nil, err
	}

	privKey, err := faucetPrivateKey(faucetSeed, faucet.Descriptor)
	if err != nil {
		return nil, err
	}

	recipients := make([]wallet.Recipient, 0, len(children))
	addresses := make([]string, 0, len(children))
	for _, child := range children {
		recipients = append(recipients, wallet.Recipient{
			Descriptor: child,
			Repeat:     req.TransactionsPerAddress,
			UnitAmount: p.unitAmount(),
		})
		addresses = append(addresses, child.Address)
	}

	signed, err := wallet.BuildFundingTransaction(&wallet.BuildRequest{
		Funding:      faucet.Descriptor,
		UTXOs:        faucet.UTXOs,
		Recipients:   recipients,
		FeeRatePerKb: rate,
		SafetyMargin: p.SafetyMargin,
		SizeTable:    p.SizeTable,
		PrivateKey:   privKey,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("built funding transaction", "txid", signed.TxID, "fee", signed.Fee,
		"estimated_size", signed.EstimatedSize, "vsize", signed.VSize, "change", signed.ChangeAmount)

	result := &Result{
		Mnemonic:               mnemonic,
		Addresses:              addresses,
		FaucetAddress:          faucet.Descriptor.Address,
		TransactionsPerAddress: req.TransactionsPerAddress,
		FeeRates:               rates,
		FeeRatePerKb:           rate,
		Transaction:            signed,
		RemainingBalance:       signed.ChangeAmount,
		Warnings:               warnings,
	}

	// One satoshi per virtual byte is the default minimum relay fee
	if signed.Fee < signed.VSize {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"fee %d is below the minimum relay fee for %d vbytes; the transaction may not propagate",
			signed.Fee, signed.VSize))
	}

	if req.Broadcast {
		if err := p.Broadcast(ctx, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// Broadcast sends the transaction of a finished run and records the returned txid
func (p *Provisioner) Broadcast(ctx context.Context, result *Result) error {
	if result == nil || result.Transaction == nil {
		return fmt.Errorf("%w: nothing to broadcast", ErrInvalidRequest)
	}
	signed := result.Transaction

	txid, err := p.Ledger.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		return fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	if txid != signed.TxID {
		p.logger().Warn("broadcast txid differs from local txid", "local", signed.TxID, "remote", txid)
	}
	p.logger().Info("broadcast funding transaction", "txid", txid)

	result.Broadcast = true
	result.BroadcastTxID = txid
	return nil
}

// Estimate computes the fee and change of a run without generating keys or signing
func (p *Provisioner) Estimate(ctx context.Context, req *Request) (*EstimateResult, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}

	faucetSeed, err := wallet.SeedFromMnemonic(req.FaucetMnemonic, req.FaucetPassphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: faucet mnemonic: %v", ErrInvalidRequest, err)
	}

	faucet, err := p.LoadFaucet(ctx, faucetSeed)
	if err != nil {
		return nil, err
	}

	rates, rate, err := p.feeRate(ctx)
	if err != nil {
		return nil, err
	}

	// Children are always P2SH-P2WPKH, so only the script type matters here
	child := &wallet.PaymentDescriptor{Network: p.Network, ScriptType: wallet.ScriptP2SHP2WPKH}
	recipients := make([]wallet.Recipient, req.Addresses)
	for i := range recipients {
		recipients[i] = wallet.Recipient{
			Descriptor: child,
			Repeat:     req.TransactionsPerAddress,
			UnitAmount: p.unitAmount(),
		}
	}

	plan, err := wallet.PlanFunding(&wallet.BuildRequest{
		Funding:      faucet.Descriptor,
		UTXOs:        faucet.UTXOs,
		Recipients:   recipients,
		FeeRatePerKb: rate,
		SafetyMargin: p.SafetyMargin,
		SizeTable:    p.SizeTable,
	})
	if err != nil {
		return nil, err
	}

	p.logger().Debug("estimated funding transaction", "fee", plan.Fee, "estimated_size", plan.EstimatedSize)

	return &EstimateResult{
		FaucetAddress: faucet.Descriptor.Address,
		UTXOCount:     len(faucet.UTXOs),
		FeeRates:      rates,
		FeeRatePerKb:  rate,
		Plan:          plan,
	}, nil
}

// LoadFaucet derives the faucet key at m/49'/coin'/0'/0/0 and fetches its
// outputs with at least MinConfirmations confirmations
func (p *Provisioner) LoadFaucet(ctx context.Context, faucetSeed []byte) (*Faucet, error) {
	if p.Ledger == nil {
		return nil, fmt.Errorf("no ledger configured")
	}

	desc, err := wallet.Derive(faucetSeed, p.Network, wallet.BIP49Path(p.Network, 0, wallet.ChainExternal, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to derive faucet key: %w", err)
	}

	unspent, err := p.Ledger.ListUnspent(ctx, wallet.ScriptHash(desc.PkScript))
	if err != nil {
		return nil, fmt.Errorf("failed to list faucet UTXOs: %w", err)
	}

	var tip int64
	if p.MinConfirmations > 0 {
		if tip, err = p.Ledger.GetBlockHeight(ctx); err != nil {
			return nil, fmt.Errorf("failed to get block height: %w", err)
		}
	}

	faucet := &Faucet{Descriptor: desc, TipHeight: tip}
	for _, u := range unspent {
		if p.MinConfirmations > 0 && Confirmations(u.Height, tip) < p.MinConfirmations {
			p.logger().Debug("skipping unconfirmed output", "txid", u.TxHash, "vout", u.TxPos, "height", u.Height)
			continue
		}
		if u.TxPos < 0 {
			return nil, fmt.Errorf("ledger returned negative output index for %s", u.TxHash)
		}
		faucet.UTXOs = append(faucet.UTXOs, wallet.UnspentOutput{
			TxID:         u.TxHash,
			Vout:         uint32(u.TxPos),
			Value:        u.Value,
			PkScript:     desc.PkScript,
			RedeemScript: desc.RedeemScript,
			ScriptType:   desc.ScriptType,
			Height:       u.Height,
		})
		faucet.Balance += u.Value
	}

	return faucet, nil
}

// Confirmations returns how many blocks have confirmed an output mined at
// height, given the chain tip. Mempool outputs (height <= 0) have none.
func Confirmations(height, tip int64) int64 {
	if height <= 0 || tip < height {
		return 0
	}
	return tip - height + 1
}

func (p *Provisioner) feeRate(ctx context.Context) (*wallet.FeeRateSnapshot, int64, error) {
	if p.Fees == nil {
		return nil, 0, fmt.Errorf("no fee rate source configured")
	}

	rates, err := p.Fees.FeeRates(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch fee rates: %w", err)
	}

	rate, err := rates.Tier(p.FeeTier)
	if err != nil {
		return nil, 0, err
	}
	if msg := wallet.ValidateFeeRate(rate); msg != "" {
		return nil, 0, fmt.Errorf("%s", msg)
	}

	p.logger().Debug("fee rates", "high", rates.High, "medium", rates.Medium, "low", rates.Low,
		"tier", p.FeeTier, "rate", rate)

	return rates, rate, nil
}

func faucetPrivateKey(seed []byte, desc *wallet.PaymentDescriptor) (*btcec.PrivateKey, error) {
	key, err := wallet.DeriveKeyFromPath(seed, desc.Network, desc.Path)
	if err != nil {
		return nil, err
	}
	return wallet.GetPrivateKey(key)
}

func normalize(req *Request) (*Request, error) {
	if req == nil {
		req = &Request{}
	}
	r := *req

	if r.FaucetMnemonic == "" {
		r.FaucetMnemonic = DefaultFaucetMnemonic
	}
	if r.Addresses < 1 {
		return nil, fmt.Errorf("%w: number of addresses must be >= 1, got %d", ErrInvalidRequest, r.Addresses)
	}
	if r.TransactionsPerAddress < 1 {
		return nil, fmt.Errorf("%w: transactions per address must be >= 1, got %d", ErrInvalidRequest, r.TransactionsPerAddress)
	}
	if r.Addresses > MaxOutputs || r.TransactionsPerAddress > MaxOutputs ||
		r.Addresses*r.TransactionsPerAddress > MaxOutputs {
		return nil, fmt.Errorf("%w: %d addresses with %d transactions each exceeds the limit of %d outputs",
			ErrInvalidRequest, r.Addresses, r.TransactionsPerAddress, MaxOutputs)
	}

	return &r, nil
}

func (p *Provisioner) unitAmount() int64 {
	if p.UnitAmount <= 0 {
		return wallet.DefaultUnitAmount
	}
	return p.UnitAmount
}

func (p *Provisioner) logger() hclog.Logger {
	if p.Logger == nil {
		return hclog.NewNullLogger()
	}
	return p.Logger
}
