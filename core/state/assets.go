package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lienchain/native/loan"
)

// ErrNotAssetOwner is returned when a unique-asset transfer names a sender
// that does not hold the token.
var ErrNotAssetOwner = errors.New("state: sender does not own asset")

var (
	uniqueOwnerPrefix = []byte("unique-owner:")
	semiBalancePrefix = []byte("semi-balance:")
)

func uniqueOwnerKey(symbol string, tokenID *big.Int) []byte {
	id := tokenID.Text(10)
	buf := make([]byte, len(uniqueOwnerPrefix)+len(symbol)+1+len(id))
	copy(buf, uniqueOwnerPrefix)
	copy(buf[len(uniqueOwnerPrefix):], symbol)
	buf[len(uniqueOwnerPrefix)+len(symbol)] = ':'
	copy(buf[len(uniqueOwnerPrefix)+len(symbol)+1:], id)
	return ethcrypto.Keccak256(buf)
}

func semiBalanceKey(addr []byte, symbol string, tokenID *big.Int) []byte {
	id := tokenID.Text(10)
	buf := make([]byte, len(semiBalancePrefix)+len(symbol)+1+len(id)+1+len(addr))
	copy(buf, semiBalancePrefix)
	offset := len(semiBalancePrefix)
	copy(buf[offset:], symbol)
	offset += len(symbol)
	buf[offset] = ':'
	offset++
	copy(buf[offset:], id)
	offset += len(id)
	buf[offset] = ':'
	offset++
	copy(buf[offset:], addr)
	return ethcrypto.Keccak256(buf)
}

// UniqueOwner returns the holder of a unique token, if any.
func (m *Manager) UniqueOwner(symbol string, tokenID *big.Int) ([20]byte, bool) {
	var owner [20]byte
	if tokenID == nil {
		return owner, false
	}
	data, err := m.trie.Get(uniqueOwnerKey(symbol, tokenID))
	if err != nil || len(data) == 0 {
		return owner, false
	}
	if err := rlp.DecodeBytes(data, &owner); err != nil {
		return [20]byte{}, false
	}
	return owner, true
}

// SetUniqueOwner records the holder of a unique token. It is used by genesis
// bootstrap; settlement paths go through MoveAsset.
func (m *Manager) SetUniqueOwner(symbol string, tokenID *big.Int, owner [20]byte) error {
	normalized, err := m.requireToken(symbol)
	if err != nil {
		return err
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return fmt.Errorf("state: unique token id required for %s", normalized)
	}
	if owner == ([20]byte{}) {
		return fmt.Errorf("state: unique owner must not be the zero address")
	}
	encoded, err := rlp.EncodeToBytes(owner)
	if err != nil {
		return err
	}
	return m.trie.Update(uniqueOwnerKey(normalized, tokenID), encoded)
}

// SemiFungibleBalance returns the balance an account holds of a token id
// within a semi-fungible class.
func (m *Manager) SemiFungibleBalance(addr []byte, symbol string, tokenID *big.Int) (*big.Int, error) {
	if tokenID == nil {
		return big.NewInt(0), nil
	}
	return m.loadBigInt(semiBalanceKey(addr, symbol, tokenID))
}

// SetSemiFungibleBalance stores a semi-fungible balance for genesis bootstrap.
func (m *Manager) SetSemiFungibleBalance(addr []byte, symbol string, tokenID *big.Int, amount *big.Int) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	normalized, err := m.requireToken(symbol)
	if err != nil {
		return err
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return fmt.Errorf("state: semi-fungible token id required for %s", normalized)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	return m.writeBalance(semiBalanceKey(addr, normalized, tokenID), normalized, amount)
}

// MoveAsset moves an asset between two accounts, dispatching on the asset
// kind. The caller is responsible for elision of zero-value and self moves;
// the ledger rejects transfers the sender cannot cover.
func (m *Manager) MoveAsset(a loan.Asset, from, to [20]byte) error {
	sanitized, err := loan.SanitizeAsset(a)
	if err != nil {
		return err
	}
	if from == ([20]byte{}) || to == ([20]byte{}) {
		return fmt.Errorf("state: asset move requires non-zero endpoints")
	}
	if _, err := m.requireToken(sanitized.Symbol); err != nil {
		return err
	}
	switch sanitized.Kind {
	case loan.AssetFungible:
		return m.transferFungible(sanitized.Symbol, sanitized.Amount, from, to)
	case loan.AssetUnique:
		return m.transferUnique(sanitized.Symbol, sanitized.TokenID, from, to)
	case loan.AssetSemiFungible:
		return m.transferSemiFungible(sanitized.Symbol, sanitized.TokenID, sanitized.Amount, from, to)
	default:
		return fmt.Errorf("state: unsupported asset kind %d", sanitized.Kind)
	}
}

func (m *Manager) transferFungible(symbol string, amount *big.Int, from, to [20]byte) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: fungible transfer amount must be positive")
	}
	if from == to {
		return nil
	}
	fromKey := balanceKey(from[:], symbol)
	original, err := m.loadBigInt(fromKey)
	if err != nil {
		return err
	}
	if err := m.debitBalance(fromKey, symbol, amount); err != nil {
		return err
	}
	if err := m.creditBalance(balanceKey(to[:], symbol), symbol, amount); err != nil {
		if restoreErr := m.writeBigInt(fromKey, original); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("state: rollback sender balance: %w", restoreErr))
		}
		return err
	}
	return nil
}

func (m *Manager) transferUnique(symbol string, tokenID *big.Int, from, to [20]byte) error {
	owner, ok := m.UniqueOwner(symbol, tokenID)
	if !ok {
		return fmt.Errorf("state: %s #%s has no owner: %w", symbol, tokenID, ErrNotAssetOwner)
	}
	if owner != from {
		return fmt.Errorf("state: %s #%s held by another account: %w", symbol, tokenID, ErrNotAssetOwner)
	}
	if from == to {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(to)
	if err != nil {
		return err
	}
	return m.trie.Update(uniqueOwnerKey(symbol, tokenID), encoded)
}

func (m *Manager) transferSemiFungible(symbol string, tokenID, amount *big.Int, from, to [20]byte) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: semi-fungible transfer amount must be positive")
	}
	if from == to {
		return nil
	}
	fromKey := semiBalanceKey(from[:], symbol, tokenID)
	original, err := m.loadBigInt(fromKey)
	if err != nil {
		return err
	}
	if err := m.debitBalance(fromKey, symbol, amount); err != nil {
		return err
	}
	if err := m.creditBalance(semiBalanceKey(to[:], symbol, tokenID), symbol, amount); err != nil {
		if restoreErr := m.writeBigInt(fromKey, original); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("state: rollback sender balance: %w", restoreErr))
		}
		return err
	}
	return nil
}
