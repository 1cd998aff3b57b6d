package btcfaucet

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/sdk/logical"
)

const faucetStoragePath = "faucet"

// storedFaucet is the faucet wallet the engine spends from
type storedFaucet struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase,omitempty"`
}

// getStoredFaucet returns the stored faucet wallet, or nil if none was written
func getStoredFaucet(ctx context.Context, s logical.Storage) (*storedFaucet, error) {
	entry, err := s.Get(ctx, faucetStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error reading faucet: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	var faucet storedFaucet
	if err := entry.DecodeJSON(&faucet); err != nil {
		return nil, fmt.Errorf("error decoding faucet: %w", err)
	}
	return &faucet, nil
}

func putStoredFaucet(ctx context.Context, s logical.Storage, faucet *storedFaucet) error {
	entry, err := logical.StorageEntryJSON(faucetStoragePath, faucet)
	if err != nil {
		return fmt.Errorf("error creating storage entry: %w", err)
	}
	if err := s.Put(ctx, entry); err != nil {
		return fmt.Errorf("error saving faucet: %w", err)
	}
	return nil
}

func deleteStoredFaucet(ctx context.Context, s logical.Storage) error {
	if err := s.Delete(ctx, faucetStoragePath); err != nil {
		return fmt.Errorf("error deleting faucet: %w", err)
	}
	return nil
}
