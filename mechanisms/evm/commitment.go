package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// CommitmentParams is the full parameter tuple bound by a router commitment
type CommitmentParams struct {
	ChainID        *big.Int
	Router         common.Address
	Token          common.Address
	From           common.Address
	Value          *big.Int
	ValidAfter     *big.Int
	ValidBefore    *big.Int
	Salt           [32]byte
	PayTo          common.Address
	FacilitatorFee *big.Int
	Hook           common.Address
	HookData       []byte
}

// CalculateCommitment computes the router commitment that the payer signs as
// the EIP-3009 nonce:
//
//	keccak256(abi.encodePacked("X402/settle/v1", chainId, router, token, from,
//	    value, validAfter, validBefore, salt, payTo, facilitatorFee, hook,
//	    keccak256(hookData)))
//
// Changing any parameter changes the commitment, so a facilitator cannot
// substitute the hook, recipient or fee of a signed payment.
func CalculateCommitment(p CommitmentParams) (common.Hash, error) {
	uints := []struct {
		name string
		v    *big.Int
	}{
		{"chainId", p.ChainID},
		{"value", p.Value},
		{"validAfter", p.ValidAfter},
		{"validBefore", p.ValidBefore},
		{"facilitatorFee", p.FacilitatorFee},
	}
	for _, u := range uints {
		if u.v == nil || u.v.Sign() < 0 || u.v.BitLen() > 256 {
			return common.Hash{}, fmt.Errorf("commitment %s is not a uint256", u.name)
		}
	}

	packed := make([]byte, 0, len(CommitmentDomain)+32*8+20*5)
	packed = append(packed, CommitmentDomain...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(p.ChainID))...)
	packed = append(packed, p.Router.Bytes()...)
	packed = append(packed, p.Token.Bytes()...)
	packed = append(packed, p.From.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(p.Value))...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(p.ValidAfter))...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(p.ValidBefore))...)
	packed = append(packed, p.Salt[:]...)
	packed = append(packed, p.PayTo.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(p.FacilitatorFee))...)
	packed = append(packed, p.Hook.Bytes()...)
	packed = append(packed, crypto.Keccak256(p.HookData)...)

	return crypto.Keccak256Hash(packed), nil
}

// SettlementContextKey is the key the router records a settlement under:
// keccak256(abi.encodePacked(from, token, nonce)). It is what isSettled takes.
func SettlementContextKey(from, token common.Address, nonce [32]byte) common.Hash {
	return crypto.Keccak256Hash(from.Bytes(), token.Bytes(), nonce[:])
}
