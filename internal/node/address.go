package node

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidPubKey reports a sender key that is neither a compressed nor an
// uncompressed secp256k1 public key.
var ErrInvalidPubKey = errors.New("node: invalid sender public key")

// AddressFromPubKey derives the checksummed user address from a sender public
// key. Hex (with or without 0x) and base64 encodings are accepted.
func AddressFromPubKey(encoded string) (string, error) {
	raw, err := decodeKey(strings.TrimSpace(encoded))
	if err != nil {
		return "", err
	}
	switch len(raw) {
	case 33:
		key, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
		}
		return crypto.PubkeyToAddress(*key).Hex(), nil
	case 65:
		key, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
		}
		return crypto.PubkeyToAddress(*key).Hex(), nil
	default:
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidPubKey, len(raw))
	}
}

// NormalizeAddress returns the checksummed form of a hex address, or the input
// unchanged when it is not a hex address.
func NormalizeAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return trimmed
	}
	return common.HexToAddress(trimmed).Hex()
}

func decodeKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPubKey)
	}
	candidate := strings.TrimPrefix(strings.TrimPrefix(encoded, "0x"), "0X")
	if raw, err := hex.DecodeString(candidate); err == nil {
		return raw, nil
	}
	for _, encoding := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := encoding.DecodeString(encoded); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: unsupported encoding", ErrInvalidPubKey)
}
