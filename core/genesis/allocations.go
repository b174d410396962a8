package genesis

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"wagerchain/crypto"
)

// Allocation credits an initial balance to an account.
type Allocation struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

// File is the on-disk allocations document.
type File struct {
	Allocations []Allocation `yaml:"allocations"`
}

// Seeder applies allocations exactly once per database.
type Seeder interface {
	SeedBalances(allocs map[[20]byte]*big.Int) (bool, error)
}

// Load reads and parses an allocations file.
func Load(path string) (map[[20]byte]*big.Int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allocations: %w", err)
	}
	return Parse(data)
}

// Parse decodes an allocations document. Duplicate addresses are summed.
func Parse(data []byte) (map[[20]byte]*big.Int, error) {
	var doc File
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode allocations: %w", err)
	}
	out := make(map[[20]byte]*big.Int, len(doc.Allocations))
	for i, alloc := range doc.Allocations {
		id, err := crypto.ParseIdentity(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("allocation %d: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Balance), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("allocation %d: balance %q must be a positive integer", i, alloc.Balance)
		}
		key := [20]byte(id)
		if existing, ok := out[key]; ok {
			existing.Add(existing, amount)
			continue
		}
		out[key] = amount
	}
	return out, nil
}

// Apply loads path and seeds the balances. An empty path is a no-op.
func Apply(seeder Seeder, path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, nil
	}
	if seeder == nil {
		return false, errors.New("genesis: nil seeder")
	}
	allocs, err := Load(path)
	if err != nil {
		return false, err
	}
	return seeder.SeedBalances(allocs)
}
