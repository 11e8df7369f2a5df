package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HexToBytes decodes a hex string with or without 0x prefix.
// "" and "0x" decode to an empty slice.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		return nil, fmt.Errorf("odd length hex string")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address
func IsValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// ParseAddress parses a 0x-prefixed hex address
func ParseAddress(s string) (common.Address, error) {
	if !IsValidAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseBytes32 parses an exactly 32-byte hex value
func ParseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ParseUint256 parses a non-negative decimal integer that fits in 256 bits
func ParseUint256(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative integer: %s", s)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("integer overflows uint256: %s", s)
	}
	return v, nil
}

// SplitSignature splits a 65-byte ECDSA signature into v, r and s.
// v is normalized to 27/28.
func SplitSignature(sig []byte) (v uint8, r [32]byte, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
