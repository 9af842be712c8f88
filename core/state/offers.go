package state

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	offerMadePrefix = []byte("loan-offer:")
	noncePrefix     = []byte("loan-nonce:")
)

func offerMadeKey(hash [32]byte) []byte {
	buf := make([]byte, len(offerMadePrefix)+len(hash))
	copy(buf, offerMadePrefix)
	copy(buf[len(offerMadePrefix):], hash[:])
	return ethcrypto.Keccak256(buf)
}

func nonceStorageKey(owner [20]byte, space, nonce uint64) []byte {
	buf := make([]byte, len(noncePrefix)+len(owner)+16)
	copy(buf, noncePrefix)
	offset := len(noncePrefix)
	copy(buf[offset:], owner[:])
	offset += len(owner)
	binary.BigEndian.PutUint64(buf[offset:], space)
	binary.BigEndian.PutUint64(buf[offset+8:], nonce)
	return ethcrypto.Keccak256(buf)
}

// OfferMarkMade records the made-flag for an extension offer's content
// address. Marking twice is harmless.
func (m *Manager) OfferMarkMade(hash [32]byte) error {
	encoded, err := rlp.EncodeToBytes(true)
	if err != nil {
		return err
	}
	return m.trie.Update(offerMadeKey(hash), encoded)
}

// OfferMade reports whether the offer's made-flag has been recorded.
func (m *Manager) OfferMade(hash [32]byte) (bool, error) {
	data, err := m.trie.Get(offerMadeKey(hash))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	var made bool
	if err := rlp.DecodeBytes(data, &made); err != nil {
		return false, err
	}
	return made, nil
}

// NonceUsable reports whether the nonce is still open in the owner's space.
// Used and revoked nonces read identically.
func (m *Manager) NonceUsable(owner [20]byte, space, nonce uint64) (bool, error) {
	data, err := m.trie.Get(nonceStorageKey(owner, space, nonce))
	if err != nil {
		return false, err
	}
	return len(data) == 0, nil
}

// NonceRevoke closes the nonce permanently. Revoking an already closed nonce
// is a no-op at the storage layer; callers enforce usability first.
func (m *Manager) NonceRevoke(owner [20]byte, space, nonce uint64) error {
	encoded, err := rlp.EncodeToBytes(true)
	if err != nil {
		return err
	}
	return m.trie.Update(nonceStorageKey(owner, space, nonce), encoded)
}
