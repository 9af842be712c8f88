package genesis

import (
	"fmt"
	"strings"

	"lienchain/crypto"
)

// ParseBech32Account decodes a bech32 account string from a genesis document
// into a raw 20-byte address. Only the ledger's native prefix is accepted.
func ParseBech32Account(account string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(account)
	if trimmed == "" {
		return out, fmt.Errorf("account must be provided")
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, fmt.Errorf("decode bech32 account: %w", err)
	}
	return addr.Array(), nil
}
