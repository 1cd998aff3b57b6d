package wallet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

const (
	// MnemonicEntropyBits is the entropy size for generated mnemonics (24 words)
	MnemonicEntropyBits = 256

	// BIP49Purpose is the purpose for P2SH-wrapped SegWit (P2SH-P2WPKH)
	BIP49Purpose = 49

	// CoinTypeBitcoin is the coin type for Bitcoin mainnet
	CoinTypeBitcoin = 0

	// CoinTypeBitcoinTestnet is the coin type for every test network
	CoinTypeBitcoinTestnet = 1

	// ChainExternal is the receiving chain of an account
	ChainExternal = 0

	// ChainInternal is the change chain of an account
	ChainInternal = 1
)

// NetworkParams returns the chain configuration for the given network name
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "testnet4":
		// Testnet4 uses the same address format as testnet3
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s (supported: mainnet, testnet, testnet4, signet, regtest)", network)
	}
}

// CoinType returns the BIP44 coin type for a network
func CoinType(network string) uint32 {
	if network == "mainnet" {
		return CoinTypeBitcoin
	}
	return CoinTypeBitcoinTestnet
}

// BIP49Path returns m/49'/coin'/account'/chain/index for the network
func BIP49Path(network string, account, chain, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", BIP49Purpose, CoinType(network), account, chain, index)
}

// ParseDerivationPath parses a path like m/49'/1'/0'/0/3 into child indexes.
// Hardened levels may be marked with ', h or H.
func ParseDerivationPath(path string) ([]uint32, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidDerivationPath)
	}

	parts := strings.Split(path, "/")
	if parts[0] != "m" && parts[0] != "M" {
		return nil, fmt.Errorf("%w: %q must start with m/", ErrInvalidDerivationPath, path)
	}

	indexes := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := false
		if n := len(part); n > 0 && (part[n-1] == '\'' || part[n-1] == 'h' || part[n-1] == 'H') {
			hardened = true
			part = part[:n-1]
		}
		if part == "" {
			return nil, fmt.Errorf("%w: empty level in %q", ErrInvalidDerivationPath, path)
		}

		value, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad level %q in %q", ErrInvalidDerivationPath, part, path)
		}
		if value >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: level %d out of range in %q", ErrInvalidDerivationPath, value, path)
		}

		index := uint32(value)
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		indexes = append(indexes, index)
	}

	return indexes, nil
}

// DeriveKeyFromPath derives the extended key at path from the master key of seed
func DeriveKeyFromPath(seed []byte, network string, path string) (*hdkeychain.ExtendedKey, error) {
	indexes, err := ParseDerivationPath(path)
	if err != nil {
		return nil, err
	}

	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	for _, index := range indexes {
		key, err = key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child %d: %w", index, err)
		}
	}

	return key, nil
}

// GetPrivateKey extracts the EC private key from an extended key
func GetPrivateKey(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	if !key.IsPrivate() {
		return nil, fmt.Errorf("extended key is not private")
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get EC private key: %w", err)
	}

	return privKey, nil
}

// GetPublicKey extracts the EC public key from an extended key
func GetPublicKey(key *hdkeychain.ExtendedKey) (*btcec.PublicKey, error) {
	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get EC public key: %w", err)
	}

	return pubKey, nil
}

// GenerateMnemonic creates a new 24-word BIP39 mnemonic
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks word count, words and checksum per BIP39
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// SeedFromMnemonic returns the 64-byte BIP39 seed for a mnemonic and passphrase.
// The checksum is not enforced: faucet phrases from other tools are accepted
// as long as they are well formed words.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	words := strings.Fields(mnemonic)
	if len(words) == 0 {
		return nil, fmt.Errorf("mnemonic is empty")
	}
	if len(words)%3 != 0 || len(words) < 12 || len(words) > 24 {
		return nil, fmt.Errorf("mnemonic has %d words, want 12, 15, 18, 21 or 24", len(words))
	}
	return bip39.NewSeed(strings.Join(words, " "), passphrase), nil
}
