package state

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	wagerSlotSeed   = []byte("WAGER")
	wagerPrefix     = []byte("wager/record/")
	tombstonePrefix = []byte("wager/tombstone/")
	custodyPrefix   = []byte("wager/custody/")
	balancePrefix   = []byte("ledger/balance/")
	genesisKey      = []byte("meta/genesis")
)

// WagerSlot derives the deterministic 32-byte storage slot for a wager
// identifier.
func WagerSlot(id string) [32]byte {
	return ethcrypto.Keccak256Hash(wagerSlotSeed, []byte(id))
}

func prefixed(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return buf
}

func wagerKey(id string) []byte {
	slot := WagerSlot(id)
	return prefixed(wagerPrefix, slot[:])
}

func tombstoneKey(id string) []byte {
	slot := WagerSlot(id)
	return prefixed(tombstonePrefix, slot[:])
}

func custodyKey(id string) []byte {
	slot := WagerSlot(id)
	return prefixed(custodyPrefix, slot[:])
}

func balanceKey(addr [20]byte) []byte {
	return prefixed(balancePrefix, addr[:])
}
