package genesis

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wagerchain/core/state"
	"wagerchain/crypto"
	"wagerchain/native/wager"
	"wagerchain/storage"
)

func testAddress(fill byte) string {
	var id wager.Identity
	copy(id[:], bytes.Repeat([]byte{fill}, 20))
	return crypto.AddressFromIdentity(id).String()
}

func TestParseSumsDuplicates(t *testing.T) {
	doc := fmt.Sprintf(`allocations:
  - address: %s
    balance: "100"
  - address: %s
    balance: "25"
  - address: %s
    balance: "7"
`, testAddress(1), testAddress(1), testAddress(2))
	allocs, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	var first [20]byte
	copy(first[:], bytes.Repeat([]byte{1}, 20))
	require.Equal(t, int64(125), allocs[first].Int64())
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	_, err := Parse([]byte("allocations:\n  - address: nhb1bogus\n    balance: \"1\"\n"))
	require.Error(t, err)

	_, err = Parse([]byte(fmt.Sprintf("allocations:\n  - address: %s\n    balance: \"-4\"\n", testAddress(1))))
	require.Error(t, err)

	_, err = Parse([]byte("allocations: [\n"))
	require.Error(t, err)
}

func TestApplySeedsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alloc.yaml")
	doc := fmt.Sprintf("allocations:\n  - address: %s\n    balance: \"500\"\n", testAddress(3))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	manager := state.NewManager(storage.NewMemDB())
	applied, err := Apply(manager, path)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = Apply(manager, path)
	require.NoError(t, err)
	require.False(t, applied)

	var id [20]byte
	copy(id[:], bytes.Repeat([]byte{3}, 20))
	balance, err := manager.Balance(id)
	require.NoError(t, err)
	require.Equal(t, int64(500), balance.Int64())

	applied, err = Apply(manager, "")
	require.NoError(t, err)
	require.False(t, applied)
}
