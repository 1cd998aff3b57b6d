package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
)

// PaymentDescriptor describes how to pay to, and spend from, one derived key
type PaymentDescriptor struct {
	Network      string     `json:"network"`
	Path         string     `json:"derivation_path,omitempty"`
	PublicKey    []byte     `json:"public_key"`
	Address      string     `json:"address"`
	PkScript     []byte     `json:"pk_script"`
	RedeemScript []byte     `json:"redeem_script,omitempty"`
	ScriptType   ScriptType `json:"script_type"`
}

// Derive derives the P2SH-P2WPKH descriptor for the key at path.
// The same seed, network and path always give byte-identical results.
func Derive(seed []byte, network string, path string) (*PaymentDescriptor, error) {
	key, err := DeriveKeyFromPath(seed, network, path)
	if err != nil {
		return nil, err
	}

	desc, err := NewP2SHP2WPKHDescriptor(key, network)
	if err != nil {
		return nil, err
	}
	desc.Path = path

	return desc, nil
}

// NewP2SHP2WPKHDescriptor wraps the key's witness program in a P2SH script:
// redeem = OP_0 <hash160(pubkey)>, pkScript = OP_HASH160 <hash160(redeem)> OP_EQUAL
func NewP2SHP2WPKHDescriptor(key *hdkeychain.ExtendedKey, network string) (*PaymentDescriptor, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	pubKey, err := GetPublicKey(key)
	if err != nil {
		return nil, err
	}
	serialized := pubKey.SerializeCompressed()

	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(serialized), params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}

	redeemScript, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create redeem script: %w", err)
	}

	addr, err := btcutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2SH address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create scriptPubKey: %w", err)
	}

	return &PaymentDescriptor{
		Network:      network,
		PublicKey:    serialized,
		Address:      addr.EncodeAddress(),
		PkScript:     pkScript,
		RedeemScript: redeemScript,
		ScriptType:   ScriptP2SHP2WPKH,
	}, nil
}

// DeriveChildren derives count receiving descriptors m/49'/coin'/account'/0/i
func DeriveChildren(seed []byte, network string, account uint32, count int) ([]*PaymentDescriptor, error) {
	if count < 0 {
		return nil, fmt.Errorf("child count must be >= 0, got %d", count)
	}

	// Derive the account once, then walk the external chain
	accountPath := fmt.Sprintf("m/%d'/%d'/%d'", BIP49Purpose, CoinType(network), account)
	accountKey, err := DeriveKeyFromPath(seed, network, accountPath)
	if err != nil {
		return nil, err
	}
	chainKey, err := accountKey.Derive(ChainExternal)
	if err != nil {
		return nil, fmt.Errorf("failed to derive chain key: %w", err)
	}

	children := make([]*PaymentDescriptor, 0, count)
	for i := 0; i < count; i++ {
		key, err := chainKey.Derive(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("failed to derive child %d: %w", i, err)
		}
		desc, err := NewP2SHP2WPKHDescriptor(key, network)
		if err != nil {
			return nil, err
		}
		desc.Path = BIP49Path(network, account, ChainExternal, uint32(i))
		children = append(children, desc)
	}

	return children, nil
}

// ScriptHash converts a scriptPubKey to an Electrum scripthash:
// SHA256 of the script, reversed (little-endian)
func ScriptHash(pkScript []byte) string {
	hash := sha256.Sum256(pkScript)

	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}

	return hex.EncodeToString(hash[:])
}
