package crypto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"wagerchain/native/wager"
)

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = 65

var ErrInvalidSignature = errors.New("crypto: invalid signature")

// RequestDigest returns the keccak256 digest a caller signs to authorise a
// wager request. The caller address is lowercased so checksummed and plain
// encodings sign the same payload.
func RequestDigest(method, caller string, timestamp int64, args ...string) []byte {
	parts := make([]string, 0, len(args)+4)
	parts = append(parts, "wager", strings.TrimSpace(method), strings.ToLower(strings.TrimSpace(caller)), strconv.FormatInt(timestamp, 10))
	for _, arg := range args {
		parts = append(parts, strings.TrimSpace(arg))
	}
	return crypto.Keccak256([]byte(strings.Join(parts, "|")))
}

// Sign produces a recoverable signature over digest.
func Sign(key *PrivateKey, digest []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest, key.PrivateKey)
}

// RecoverIdentity returns the identity whose key produced sig over digest.
func RecoverIdentity(digest, sig []byte) (wager.Identity, error) {
	if len(sig) != SignatureLength {
		return wager.Identity{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return wager.Identity{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var id wager.Identity
	copy(id[:], crypto.PubkeyToAddress(*pubKey).Bytes())
	return id, nil
}
