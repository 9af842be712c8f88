// core/genesis/spec.go
package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
)

// GenesisSpec is the JSON document that seeds a fresh ledger: the token
// registry, opening balances and collateral holdings, role grants, and the
// initial fee parameters. Amounts and token identifiers are decimal strings
// so operators never lose precision to JSON numbers.
type GenesisSpec struct {
	Tokens      []TokenSpec                  `json:"tokens"`
	Alloc       map[string]map[string]string `json:"alloc,omitempty"`       // addr -> symbol -> amount
	UniqueAlloc []UniqueAllocSpec            `json:"uniqueAlloc,omitempty"` // initial owners of unique collateral
	SemiAlloc   []SemiAllocSpec              `json:"semiAlloc,omitempty"`   // initial semi-fungible holdings
	Roles       map[string][]string          `json:"roles,omitempty"`       // role -> []addr
	Fees        *FeeSpec                     `json:"fees,omitempty"`
}

type TokenSpec struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

type UniqueAllocSpec struct {
	Symbol  string `json:"symbol"`
	TokenID string `json:"tokenId"`
	Owner   string `json:"owner"`
}

type SemiAllocSpec struct {
	Symbol  string `json:"symbol"`
	TokenID string `json:"tokenId"`
	Owner   string `json:"owner"`
	Amount  string `json:"amount"`
}

type FeeSpec struct {
	Bps       uint64 `json:"bps"`
	Collector string `json:"collector,omitempty"`
}

// LoadGenesisSpec reads and validates a genesis document from disk. Unknown
// fields are rejected so typos in operator files fail loudly instead of
// silently seeding nothing.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}
	return ParseGenesisSpec(raw)
}

// ParseGenesisSpec decodes and validates a genesis document held in memory.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	spec := &GenesisSpec{}
	if err := decoder.Decode(spec); err != nil {
		return nil, fmt.Errorf("parse genesis file: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("parse genesis file: trailing data after document")
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis file: %w", err)
	}
	return spec, nil
}

// DefaultGenesisSpec is the spec used for local autogenesis: the credit token
// and a collateral token exist, nobody holds anything, and fees are off.
func DefaultGenesisSpec() *GenesisSpec {
	return &GenesisSpec{
		Tokens: []TokenSpec{
			{Symbol: "LIEN", Name: "Lien Credit", Decimals: 18},
			{Symbol: "LNFT", Name: "Lien Collateral", Decimals: 0},
		},
	}
}

func (s *GenesisSpec) validate() error {
	if s == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if len(s.Tokens) == 0 {
		return fmt.Errorf("tokens: at least one token must be declared")
	}
	symbols := make(map[string]struct{}, len(s.Tokens))
	for i := range s.Tokens {
		token := &s.Tokens[i]
		normalized := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if normalized == "" {
			return fmt.Errorf("tokens[%d]: symbol must be provided", i)
		}
		if _, exists := symbols[normalized]; exists {
			return fmt.Errorf("tokens[%d]: duplicate symbol %q", i, normalized)
		}
		symbols[normalized] = struct{}{}
		token.Symbol = normalized
		if strings.TrimSpace(token.Name) == "" {
			return fmt.Errorf("tokens[%d]: name must be provided", i)
		}
	}

	allocAddresses := make([]string, 0, len(s.Alloc))
	for addr := range s.Alloc {
		allocAddresses = append(allocAddresses, addr)
	}
	sort.Strings(allocAddresses)
	for _, addr := range allocAddresses {
		if _, err := ParseBech32Account(addr); err != nil {
			return fmt.Errorf("alloc[%q]: %w", addr, err)
		}
		for symbol, amount := range s.Alloc[addr] {
			normalized := strings.ToUpper(strings.TrimSpace(symbol))
			if _, ok := symbols[normalized]; !ok {
				return fmt.Errorf("alloc[%q]: token %q not declared", addr, symbol)
			}
			if _, err := parseAmountString(amount); err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", addr, symbol, err)
			}
		}
	}

	uniqueSeen := make(map[string]struct{}, len(s.UniqueAlloc))
	for i := range s.UniqueAlloc {
		entry := &s.UniqueAlloc[i]
		normalized := strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if _, ok := symbols[normalized]; !ok {
			return fmt.Errorf("uniqueAlloc[%d]: token %q not declared", i, entry.Symbol)
		}
		entry.Symbol = normalized
		id, err := parseTokenID(entry.TokenID)
		if err != nil {
			return fmt.Errorf("uniqueAlloc[%d]: %w", i, err)
		}
		key := normalized + ":" + id.Text(10)
		if _, exists := uniqueSeen[key]; exists {
			return fmt.Errorf("uniqueAlloc[%d]: duplicate token %s #%s", i, normalized, id.Text(10))
		}
		uniqueSeen[key] = struct{}{}
		if _, err := ParseBech32Account(entry.Owner); err != nil {
			return fmt.Errorf("uniqueAlloc[%d]: owner: %w", i, err)
		}
	}

	semiSeen := make(map[string]struct{}, len(s.SemiAlloc))
	for i := range s.SemiAlloc {
		entry := &s.SemiAlloc[i]
		normalized := strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if _, ok := symbols[normalized]; !ok {
			return fmt.Errorf("semiAlloc[%d]: token %q not declared", i, entry.Symbol)
		}
		entry.Symbol = normalized
		id, err := parseTokenID(entry.TokenID)
		if err != nil {
			return fmt.Errorf("semiAlloc[%d]: %w", i, err)
		}
		if _, err := ParseBech32Account(entry.Owner); err != nil {
			return fmt.Errorf("semiAlloc[%d]: owner: %w", i, err)
		}
		key := normalized + ":" + id.Text(10) + ":" + strings.TrimSpace(entry.Owner)
		if _, exists := semiSeen[key]; exists {
			return fmt.Errorf("semiAlloc[%d]: duplicate holding for token %s #%s", i, normalized, id.Text(10))
		}
		semiSeen[key] = struct{}{}
		if _, err := parseAmountString(entry.Amount); err != nil {
			return fmt.Errorf("semiAlloc[%d]: amount: %w", i, err)
		}
	}

	roleNames := make([]string, 0, len(s.Roles))
	for role := range s.Roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("roles: role name must be provided")
		}
		for i, account := range s.Roles[role] {
			if _, err := ParseBech32Account(account); err != nil {
				return fmt.Errorf("roles[%q][%d]: %w", role, i, err)
			}
		}
	}

	if s.Fees != nil {
		if s.Fees.Bps > 10_000 {
			return fmt.Errorf("fees: bps must be 10000 or fewer")
		}
		if s.Fees.Bps > 0 {
			if _, err := ParseBech32Account(s.Fees.Collector); err != nil {
				return fmt.Errorf("fees: collector: %w", err)
			}
		}
	}
	return nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseTokenID(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("tokenId must be provided")
	}
	id, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid tokenId %q", value)
	}
	if id.Sign() < 0 {
		return nil, fmt.Errorf("tokenId must not be negative")
	}
	return id, nil
}
