package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

func TestDerive(t *testing.T) {
	seed := testSeed(t)

	t.Run("BIP49 test vector", func(t *testing.T) {
		desc, err := Derive(seed, "testnet", "m/49'/1'/0'/0/0")
		if err != nil {
			t.Fatalf("Derive() error = %v", err)
		}
		if desc.Address != "2Mww8dCYPUpKHofjgcXcBCEGmniw9CoaiD2" {
			t.Errorf("Derive() address = %s, want 2Mww8dCYPUpKHofjgcXcBCEGmniw9CoaiD2", desc.Address)
		}
		if desc.ScriptType != ScriptP2SHP2WPKH {
			t.Errorf("Derive() script type = %s, want %s", desc.ScriptType, ScriptP2SHP2WPKH)
		}
		if desc.Path != "m/49'/1'/0'/0/0" {
			t.Errorf("Derive() path = %s", desc.Path)
		}
	})

	t.Run("script structure", func(t *testing.T) {
		desc, err := Derive(seed, "testnet", "m/49'/1'/0'/0/0")
		if err != nil {
			t.Fatalf("Derive() error = %v", err)
		}

		// redeem = OP_0 <hash160(pubkey)>
		if !txscript.IsPayToWitnessPubKeyHash(desc.RedeemScript) {
			t.Errorf("redeem script %x is not P2WPKH", desc.RedeemScript)
		}
		if !bytes.Equal(desc.RedeemScript[2:], btcutil.Hash160(desc.PublicKey)) {
			t.Error("redeem script does not commit to the public key hash")
		}

		// pkScript = OP_HASH160 <hash160(redeem)> OP_EQUAL
		if !txscript.IsPayToScriptHash(desc.PkScript) {
			t.Errorf("pkScript %x is not P2SH", desc.PkScript)
		}
		if !bytes.Equal(desc.PkScript[2:22], btcutil.Hash160(desc.RedeemScript)) {
			t.Error("pkScript does not commit to the redeem script hash")
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		d1, err := Derive(seed, "testnet", "m/49'/1'/0'/0/4")
		if err != nil {
			t.Fatalf("Derive() error = %v", err)
		}
		d2, err := Derive(seed, "testnet", "m/49'/1'/0'/0/4")
		if err != nil {
			t.Fatalf("Derive() error = %v", err)
		}
		if d1.Address != d2.Address ||
			!bytes.Equal(d1.PkScript, d2.PkScript) ||
			!bytes.Equal(d1.RedeemScript, d2.RedeemScript) ||
			!bytes.Equal(d1.PublicKey, d2.PublicKey) {
			t.Error("Derive() is not deterministic")
		}
	})

	t.Run("address prefixes", func(t *testing.T) {
		tests := []struct {
			network string
			path    string
			prefix  string
		}{
			{"mainnet", "m/49'/0'/0'/0/0", "3"},
			{"testnet", "m/49'/1'/0'/0/0", "2"},
			{"testnet4", "m/49'/1'/0'/0/1", "2"},
			{"regtest", "m/49'/1'/0'/0/1", "2"},
		}
		for _, tt := range tests {
			desc, err := Derive(seed, tt.network, tt.path)
			if err != nil {
				t.Fatalf("Derive(%s) error = %v", tt.network, err)
			}
			if !strings.HasPrefix(desc.Address, tt.prefix) {
				t.Errorf("Derive(%s) address = %s, want prefix %s", tt.network, desc.Address, tt.prefix)
			}
			params, _ := NetworkParams(tt.network)
			addr, err := btcutil.DecodeAddress(desc.Address, params)
			if err != nil || !addr.IsForNet(params) {
				t.Errorf("DecodeAddress(%s) = %v, %v", desc.Address, addr, err)
			}
		}
	})

	t.Run("invalid path", func(t *testing.T) {
		_, err := Derive(seed, "testnet", "49'/1'")
		if !errors.Is(err, ErrInvalidDerivationPath) {
			t.Errorf("Derive() error = %v, want ErrInvalidDerivationPath", err)
		}
	})
}

func TestDeriveChildren(t *testing.T) {
	seed := testSeed(t)

	children, err := DeriveChildren(seed, "testnet", 0, 3)
	if err != nil {
		t.Fatalf("DeriveChildren() error = %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("DeriveChildren() returned %d children, want 3", len(children))
	}

	seen := make(map[string]bool)
	for i, child := range children {
		direct, err := Derive(seed, "testnet", BIP49Path("testnet", 0, ChainExternal, uint32(i)))
		if err != nil {
			t.Fatalf("Derive() error = %v", err)
		}
		if child.Address != direct.Address {
			t.Errorf("child %d address = %s, want %s", i, child.Address, direct.Address)
		}
		if child.Path != direct.Path {
			t.Errorf("child %d path = %s, want %s", i, child.Path, direct.Path)
		}
		if seen[child.Address] {
			t.Errorf("duplicate child address %s", child.Address)
		}
		seen[child.Address] = true
	}

	if children[0].Address != "2Mww8dCYPUpKHofjgcXcBCEGmniw9CoaiD2" {
		t.Errorf("first child = %s, want BIP49 vector address", children[0].Address)
	}

	t.Run("zero children", func(t *testing.T) {
		none, err := DeriveChildren(seed, "testnet", 0, 0)
		if err != nil || len(none) != 0 {
			t.Errorf("DeriveChildren(0) = %v, %v", none, err)
		}
	})

	t.Run("negative count", func(t *testing.T) {
		if _, err := DeriveChildren(seed, "testnet", 0, -1); err == nil {
			t.Error("DeriveChildren() should fail for a negative count")
		}
	})
}

func TestScriptHash(t *testing.T) {
	// scripthash of the P2PKH script for 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa
	// as documented by the Electrum protocol
	script, _ := hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")
	want := "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"
	if got := ScriptHash(script); got != want {
		t.Errorf("ScriptHash() = %s, want %s", got, want)
	}
}
