package state

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var feeParamsKey = ethcrypto.Keccak256([]byte("fee-params"))

type storedFeeParams struct {
	Bps       uint64
	Collector [20]byte
}

// SetFeeParams stores the origination fee rate and its collector. A non-zero
// rate requires a collector address; 10000 bps is the hard ceiling.
func (m *Manager) SetFeeParams(bps uint64, collector [20]byte) error {
	if bps > 10_000 {
		return fmt.Errorf("state: fee bps %d above 10000", bps)
	}
	if bps > 0 && collector == ([20]byte{}) {
		return fmt.Errorf("state: fee collector required for non-zero bps")
	}
	encoded, err := rlp.EncodeToBytes(&storedFeeParams{Bps: bps, Collector: collector})
	if err != nil {
		return err
	}
	return m.trie.Update(feeParamsKey, encoded)
}

// FeeParams returns the current fee rate and collector. An unset ledger reads
// as zero fees.
func (m *Manager) FeeParams() (uint64, [20]byte, error) {
	data, err := m.trie.Get(feeParamsKey)
	if err != nil {
		return 0, [20]byte{}, err
	}
	if len(data) == 0 {
		return 0, [20]byte{}, nil
	}
	stored := new(storedFeeParams)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return 0, [20]byte{}, err
	}
	return stored.Bps, stored.Collector, nil
}
