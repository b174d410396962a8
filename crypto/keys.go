package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"

	"wagerchain/native/wager"
)

// AddressPrefix is the human-readable part of a bech32 account address.
type AddressPrefix string

// WagerPrefix tags every participant and arbiter address.
const WagerPrefix AddressPrefix = "wgr"

var ErrInvalidAddress = errors.New("crypto: invalid address")

// Address is a prefixed 20-byte account identity.
type Address struct {
	prefix AddressPrefix
	id     wager.Identity
}

// NewAddress wraps a 20-byte identity under the given prefix.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != len(wager.Identity{}) {
		return Address{}, fmt.Errorf("%w: expected 20 bytes, got %d", ErrInvalidAddress, len(b))
	}
	var id wager.Identity
	copy(id[:], b)
	return Address{prefix: prefix, id: id}, nil
}

// AddressFromIdentity returns the canonical wgr address for an identity.
func AddressFromIdentity(id wager.Identity) Address {
	return Address{prefix: WagerPrefix, id: id}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.id[:], 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return ""
	}
	return encoded
}

func (a Address) Bytes() []byte {
	out := make([]byte, len(a.id))
	copy(out, a.id[:])
	return out
}

// Identity returns the raw identity used by the wager engine.
func (a Address) Identity() wager.Identity { return a.id }

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// DecodeAddress parses a bech32 address. Only the wgr prefix is accepted.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if AddressPrefix(prefix) != WagerPrefix {
		return Address{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// ParseIdentity decodes a bech32 address straight into an engine identity.
func ParseIdentity(addrStr string) (wager.Identity, error) {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		return wager.Identity{}, err
	}
	return addr.Identity(), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	var id wager.Identity
	copy(id[:], crypto.PubkeyToAddress(*k.PublicKey).Bytes())
	return AddressFromIdentity(id)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
