package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the normalized zero address used for mints and burns.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// IsZeroAddress reports whether address is the zero address in any casing.
func IsZeroAddress(address string) bool {
	return NormalizeAddress(address) == ZeroAddress
}

// ParseBlockNumber parses a hex or decimal block number string
func ParseBlockNumber(blockNumber string) (uint64, error) {
	n, ok := ParseBigInt(blockNumber)
	if !ok || n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("invalid block number %q", blockNumber)
	}
	return n.Uint64(), nil
}

// ParseBigInt parses a 0x-prefixed hex or a decimal integer string.
func ParseBigInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return new(big.Int), true
		}
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}
