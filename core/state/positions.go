package state

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var positionPrefix = []byte("loan-position:")

func positionStorageKey(loanID uint64) []byte {
	buf := make([]byte, len(positionPrefix)+8)
	copy(buf, positionPrefix)
	binary.BigEndian.PutUint64(buf[len(positionPrefix):], loanID)
	return ethcrypto.Keccak256(buf)
}

// PositionMint records the creditor position token for a loan. A token may
// only be minted once per identifier.
func (m *Manager) PositionMint(loanID uint64, owner [20]byte) error {
	if owner == ([20]byte{}) {
		return fmt.Errorf("position: owner must not be the zero address")
	}
	key := positionStorageKey(loanID)
	existing, err := m.trie.Get(key)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("position: token for loan %d already minted", loanID)
	}
	encoded, err := rlp.EncodeToBytes(owner)
	if err != nil {
		return err
	}
	return m.trie.Update(key, encoded)
}

// PositionBurn removes the position token. Burning an absent token is an
// error.
func (m *Manager) PositionBurn(loanID uint64) error {
	key := positionStorageKey(loanID)
	existing, err := m.trie.Get(key)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("position: token for loan %d not found", loanID)
	}
	return m.trie.Delete(key)
}

// PositionOwner returns the current holder of the loan's position token.
func (m *Manager) PositionOwner(loanID uint64) ([20]byte, bool) {
	var owner [20]byte
	data, err := m.trie.Get(positionStorageKey(loanID))
	if err != nil || len(data) == 0 {
		return owner, false
	}
	if err := rlp.DecodeBytes(data, &owner); err != nil {
		return [20]byte{}, false
	}
	return owner, true
}

// PositionSetOwner moves the position token to a new holder. The token must
// already exist.
func (m *Manager) PositionSetOwner(loanID uint64, owner [20]byte) error {
	if owner == ([20]byte{}) {
		return fmt.Errorf("position: owner must not be the zero address")
	}
	key := positionStorageKey(loanID)
	existing, err := m.trie.Get(key)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("position: token for loan %d not found", loanID)
	}
	encoded, err := rlp.EncodeToBytes(owner)
	if err != nil {
		return err
	}
	return m.trie.Update(key, encoded)
}
