// Package walletaddr validates node payout addresses: EVM 0x-prefixed
// 20-byte hex and Solana base58-encoded 32-byte public keys.
package walletaddr

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// ValidateEVM checks addr is a well-formed 0x-prefixed 20-byte hex address.
func ValidateEVM(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid EVM address %q", addr)
	}
	return nil
}

// ValidateSolana checks addr decodes to a 32-byte base58 Solana public key.
func ValidateSolana(addr string) error {
	if len(addr) < 32 || len(addr) > 44 {
		return fmt.Errorf("invalid solana address length %q", addr)
	}
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("invalid solana address %q: %w", addr, err)
	}
	return nil
}
