package evm

import (
	"context"
	"fmt"

	x402 "github.com/x402x/facilitator"
	x402evm "github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/pkg/accountpool"
)

// NewSigners creates one signer per private key. A malformed key fails with a
// ConfigurationError naming its position, never the key itself.
func NewSigners(ctx context.Context, privateKeys []string, client EthClient, opts ...SignerOption) ([]x402evm.FacilitatorEvmSigner, error) {
	if len(privateKeys) == 0 {
		return nil, x402.NewConfigurationError("no private keys configured", nil)
	}

	signers := make([]x402evm.FacilitatorEvmSigner, 0, len(privateKeys))
	for i, key := range privateKeys {
		if _, err := ParsePrivateKey(key); err != nil {
			return nil, x402.NewConfigurationError(fmt.Sprintf("private key #%d is malformed", i+1), nil)
		}
		signer, err := NewFacilitatorSigner(ctx, key, client, opts...)
		if err != nil {
			return nil, x402.NewConfigurationError(fmt.Sprintf("signer #%d", i+1), err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// NewAccountPool creates the signers of privateKeys and a pool over them for network
func NewAccountPool(ctx context.Context, network x402.Network, privateKeys []string, client EthClient, signerOpts []SignerOption, poolOpts ...accountpool.Option) (*accountpool.Pool[x402evm.FacilitatorEvmSigner], error) {
	signers, err := NewSigners(ctx, privateKeys, client, signerOpts...)
	if err != nil {
		return nil, err
	}
	return accountpool.New(string(network), signers, poolOpts...)
}
