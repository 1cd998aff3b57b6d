package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	btcfaucet "github.com/djschnei21/vault-plugin-btc-faucet"
	"github.com/djschnei21/vault-plugin-btc-faucet/blockcypher"
	"github.com/djschnei21/vault-plugin-btc-faucet/electrum"
	"github.com/djschnei21/vault-plugin-btc-faucet/provision"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

type RuntimeArguments struct {
	// NbAddresses: child addresses in the new wallet.
	NbAddresses int
	// Transactions: outputs received by each child address.
	Transactions int
	// FaucetMnemonic: wallet the coins are taken from, at index 0 of its BIP49 account.
	FaucetMnemonic   string
	FaucetPassphrase string
	// Mnemonic: fund this wallet instead of generating one.
	Mnemonic string

	Network          string
	ElectrumURL      string
	FeeSource        string
	BlockcypherURL   string
	FeeTier          string
	SafetyMargin     int64
	UnitAmount       int64
	MinConfirmations int64
	Timeout          time.Duration

	Broadcast bool
	JSON      bool
	LogLevel  string
}

func NewRuntimeArguments() *RuntimeArguments {
	return &RuntimeArguments{Network: "testnet"}
}

func (arguments *RuntimeArguments) MakeCmd() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "btc-testwallet",
		Short: "Creates a BTC testnet BIP49 wallet.",
		Long: `
Creates a BIP49 (P2SH-wrapped SegWit) test wallet and funds it from a faucet wallet.

A new mnemonic is generated, its first child addresses are derived at
m/49'/1'/0'/0/i and a single transaction paying each child 546 satoshis per
requested transaction is built and signed with the faucet key. The remainder
goes back to the faucet address.

The signed transaction is printed as hex. It is only broadcast with --broadcast.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return arguments.run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	rootCmd.Flags().IntVarP(&arguments.NbAddresses, "nb_addresses", "n", provision.DefaultAddresses, "Specify number of child addresses in wallet")
	rootCmd.Flags().StringVarP(&arguments.FaucetMnemonic, "faucet_mnemonics", "f", provision.DefaultFaucetMnemonic, "Specify a faucet mnemonic from which to get testnet coins (coins should be at index 0 of a BIP49 wallet)")
	rootCmd.Flags().IntVarP(&arguments.Transactions, "transactions", "t", provision.DefaultTransactionsPerAddress, "Specify number of transactions received on each child address")
	rootCmd.Flags().StringVarP(&arguments.FaucetPassphrase, "faucet_passphrase", "", "", "BIP39 passphrase of the faucet mnemonic")
	rootCmd.Flags().StringVarP(&arguments.Mnemonic, "mnemonic", "m", "", "Fund this mnemonic instead of generating a new one")
	rootCmd.Flags().StringVarP(&arguments.Network, "network", "", "testnet", "Bitcoin network: testnet, testnet4, signet, regtest or mainnet")
	rootCmd.Flags().StringVarP(&arguments.ElectrumURL, "electrum", "", "", "Electrum server URL (default: the network's server pool)")
	rootCmd.Flags().StringVarP(&arguments.FeeSource, "fee-source", "", "", "Fee rate source: blockcypher or electrum (default: blockcypher where available)")
	rootCmd.Flags().StringVarP(&arguments.BlockcypherURL, "blockcypher-url", "", "", "BlockCypher chain endpoint (default: derived from network)")
	rootCmd.Flags().StringVarP(&arguments.FeeTier, "fee-tier", "", wallet.FeeTierLow, "Fee tier: low, medium or high")
	rootCmd.Flags().Int64VarP(&arguments.SafetyMargin, "safety-margin", "", wallet.DefaultSafetyMargin, "Satoshis added to the computed fee")
	rootCmd.Flags().Int64VarP(&arguments.UnitAmount, "unit-amount", "", wallet.DefaultUnitAmount, "Satoshis paid per output")
	rootCmd.Flags().Int64VarP(&arguments.MinConfirmations, "min-confirmations", "", 0, "Minimum confirmations of spent faucet outputs")
	rootCmd.Flags().DurationVarP(&arguments.Timeout, "timeout", "", 2*time.Minute, "Overall timeout")
	rootCmd.Flags().BoolVarP(&arguments.Broadcast, "broadcast", "", false, "Broadcast the funding transaction")
	rootCmd.Flags().BoolVarP(&arguments.JSON, "json", "", false, "Print the result as JSON")
	rootCmd.Flags().StringVarP(&arguments.LogLevel, "log-level", "", "info", "Log level: trace, debug, info, warn or error")

	return rootCmd
}

func (arguments *RuntimeArguments) logger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "btc-testwallet",
		Level:  hclog.LevelFromString(arguments.LogLevel),
		Output: os.Stderr,
	})
}

func (arguments *RuntimeArguments) run(ctx context.Context, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, arguments.Timeout)
	defer cancel()

	logger := arguments.logger()

	client, err := arguments.dial(ctx, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	fees, err := arguments.feeSource(client, logger)
	if err != nil {
		return err
	}

	p := provision.New(client, fees, arguments.Network, logger.Named("provision"))
	p.FeeTier = arguments.FeeTier
	p.SafetyMargin = arguments.SafetyMargin
	p.UnitAmount = arguments.UnitAmount
	p.MinConfirmations = arguments.MinConfirmations

	fmt.Fprintln(out, "Checking balance...")
	result, err := p.Run(ctx, &provision.Request{
		FaucetMnemonic:         arguments.FaucetMnemonic,
		FaucetPassphrase:       arguments.FaucetPassphrase,
		Addresses:              arguments.NbAddresses,
		TransactionsPerAddress: arguments.Transactions,
		Mnemonic:               arguments.Mnemonic,
	})
	var insufficient *wallet.InsufficientFundsError
	if errors.As(err, &insufficient) {
		fmt.Fprintf(errOut, "-> KO. (missing %d satoshis at address %s)\n", insufficient.Shortfall(), arguments.faucetAddress())
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "-> OK")

	for _, w := range result.Warnings {
		logger.Warn(w)
	}

	var broadcastErr error
	if arguments.Broadcast {
		broadcastErr = p.Broadcast(ctx, result)
	}

	if arguments.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printResult(out, result)
	}

	return broadcastErr
}

// dial connects to the configured server, or to the first server of the pool
// that answers a ping
func (arguments *RuntimeArguments) dial(ctx context.Context, logger hclog.Logger) (*electrum.Client, error) {
	servers := btcfaucet.ElectrumServers(arguments.Network)
	if arguments.ElectrumURL != "" {
		servers = []string{arguments.ElectrumURL}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no default Electrum servers for network %q - please set --electrum", arguments.Network)
	}

	var lastErr error
	for _, url := range servers {
		logger.Debug("connecting to Electrum server", "url", url)
		client, err := electrum.NewClient(ctx, url)
		if err != nil {
			logger.Warn("failed to connect to Electrum server", "url", url, "error", err)
			lastErr = err
			continue
		}
		if err := client.Ping(ctx); err != nil {
			logger.Warn("Electrum server does not answer", "url", url, "error", err)
			client.Close()
			lastErr = err
			continue
		}
		logger.Info("connected to Electrum server", "url", url, "network", arguments.Network)
		return client, nil
	}
	return nil, fmt.Errorf("failed to connect to Electrum: %w", lastErr)
}

func (arguments *RuntimeArguments) feeSource(client *electrum.Client, logger hclog.Logger) (provision.FeeRateSource, error) {
	source := arguments.FeeSource
	if source == "" {
		source = "electrum"
		if _, err := blockcypher.ChainURL(arguments.Network); err == nil || arguments.BlockcypherURL != "" {
			source = "blockcypher"
		}
	}

	switch source {
	case "blockcypher":
		url := arguments.BlockcypherURL
		if url == "" {
			var err error
			if url, err = blockcypher.ChainURL(arguments.Network); err != nil {
				return nil, err
			}
		}
		logger.Debug("using BlockCypher fee rates", "url", url)
		return blockcypher.NewClient(url, 0), nil
	case "electrum":
		logger.Debug("using Electrum fee estimates")
		return client, nil
	default:
		return nil, fmt.Errorf("unknown fee source %q (supported: blockcypher, electrum)", source)
	}
}

// faucetAddress derives the faucet address for error messages
func (arguments *RuntimeArguments) faucetAddress() string {
	seed, err := wallet.SeedFromMnemonic(arguments.FaucetMnemonic, arguments.FaucetPassphrase)
	if err != nil {
		return "?"
	}
	desc, err := wallet.Derive(seed, arguments.Network, wallet.BIP49Path(arguments.Network, 0, wallet.ChainExternal, 0))
	if err != nil {
		return "?"
	}
	return desc.Address
}

func printResult(out io.Writer, result *provision.Result) {
	addresses, _ := json.Marshal(result.Addresses)
	fmt.Fprintf(out, "\nCreated BTC wallet (mnemonic=[%s]) with:\n", result.Mnemonic)
	fmt.Fprintf(out, "- addresses: %s\n", addresses)
	fmt.Fprintf(out, "- each one will receive %d transactions\n", result.TransactionsPerAddress)
	fmt.Fprintln(out, "Remaining balance in faucet wallet: ", result.RemainingBalance)
	fmt.Fprintf(out, "Fee: %d satoshis (%d sat/kB, %d vbytes)\n",
		result.Transaction.Fee, result.FeeRatePerKb, result.Transaction.VSize)
	fmt.Fprintln(out, "\nTransaction to send funds to child: ", result.Transaction.Hex)
	if result.Broadcast {
		fmt.Fprintln(out, "\nBroadcast txid: ", result.BroadcastTxID)
	}
}

func main() {
	if err := NewRuntimeArguments().MakeCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
