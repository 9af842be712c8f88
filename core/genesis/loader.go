// core/genesis/loader.go
package genesis

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"lienchain/core/state"
)

// Apply seeds a fresh state manager from a validated spec. Every section is
// applied in a deterministic order so two operators starting from the same
// document arrive at the same state root.
func Apply(spec *GenesisSpec, manager *state.Manager) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return fmt.Errorf("state manager must not be nil")
	}
	if err := spec.validate(); err != nil {
		return err
	}

	// 1) Tokens (sorted by symbol).
	tokens := append([]TokenSpec(nil), spec.Tokens...)
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Symbol < tokens[j].Symbol })
	for _, token := range tokens {
		if err := manager.RegisterToken(token.Symbol, token.Name, token.Decimals); err != nil {
			return fmt.Errorf("register token %q: %w", token.Symbol, err)
		}
	}

	// 2) Fungible allocations (outer: addresses sorted; inner: symbols sorted).
	allocAddresses := make([]string, 0, len(spec.Alloc))
	for addr := range spec.Alloc {
		allocAddresses = append(allocAddresses, addr)
	}
	sort.Strings(allocAddresses)
	for _, addrStr := range allocAddresses {
		parsed, err := ParseBech32Account(addrStr)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		balances := spec.Alloc[addrStr]
		symbols := make([]string, 0, len(balances))
		amounts := make(map[string]*big.Int, len(balances))
		for symbol, amountStr := range balances {
			normalized := strings.ToUpper(strings.TrimSpace(symbol))
			amount, err := parseAmountString(amountStr)
			if err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", addrStr, symbol, err)
			}
			symbols = append(symbols, normalized)
			amounts[normalized] = amount
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			if err := manager.SetBalance(parsed[:], symbol, amounts[symbol]); err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", addrStr, symbol, err)
			}
		}
	}

	// 3) Unique collateral owners, in document order (validated duplicate-free).
	for i, entry := range spec.UniqueAlloc {
		owner, err := ParseBech32Account(entry.Owner)
		if err != nil {
			return fmt.Errorf("uniqueAlloc[%d]: %w", i, err)
		}
		id, err := parseTokenID(entry.TokenID)
		if err != nil {
			return fmt.Errorf("uniqueAlloc[%d]: %w", i, err)
		}
		if err := manager.SetUniqueOwner(entry.Symbol, id, owner); err != nil {
			return fmt.Errorf("uniqueAlloc[%d]: %w", i, err)
		}
	}

	// 4) Semi-fungible holdings, in document order.
	for i, entry := range spec.SemiAlloc {
		owner, err := ParseBech32Account(entry.Owner)
		if err != nil {
			return fmt.Errorf("semiAlloc[%d]: %w", i, err)
		}
		id, err := parseTokenID(entry.TokenID)
		if err != nil {
			return fmt.Errorf("semiAlloc[%d]: %w", i, err)
		}
		amount, err := parseAmountString(entry.Amount)
		if err != nil {
			return fmt.Errorf("semiAlloc[%d]: %w", i, err)
		}
		if err := manager.SetSemiFungibleBalance(owner[:], entry.Symbol, id, amount); err != nil {
			return fmt.Errorf("semiAlloc[%d]: %w", i, err)
		}
	}

	// 5) Roles (role name sorted; addresses sorted).
	roleNames := make([]string, 0, len(spec.Roles))
	for role := range spec.Roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		addresses := append([]string(nil), spec.Roles[role]...)
		sort.Strings(addresses)
		for _, addrStr := range addresses {
			parsed, err := ParseBech32Account(addrStr)
			if err != nil {
				return fmt.Errorf("roles[%q]: %w", role, err)
			}
			if err := manager.SetRole(role, parsed[:]); err != nil {
				return fmt.Errorf("roles[%q]: %w", role, err)
			}
		}
	}

	// 6) Fee parameters.
	if spec.Fees != nil {
		var collector [20]byte
		if strings.TrimSpace(spec.Fees.Collector) != "" {
			parsed, err := ParseBech32Account(spec.Fees.Collector)
			if err != nil {
				return fmt.Errorf("fees: collector: %w", err)
			}
			collector = parsed
		}
		if err := manager.SetFeeParams(spec.Fees.Bps, collector); err != nil {
			return fmt.Errorf("fees: %w", err)
		}
	}
	return nil
}
