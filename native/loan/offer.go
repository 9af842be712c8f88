package loan

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ExtensionOfferDomainV1 prefixes the canonical encoding of extension offers
// so their digests can never collide with other signed payloads.
const ExtensionOfferDomainV1 = "LIEN_LOAN_EXTENSION_V1"

// PermitDomainV1 prefixes the canonical encoding of fungible-asset permits.
const PermitDomainV1 = "LIEN_ASSET_PERMIT_V1"

// ExtensionOffer is a proposal to push a loan's default timestamp out by
// Duration seconds in exchange for Price units of the loan's credit asset.
// Either side of the loan may propose; the counterparty accepts. Offers are
// content-addressed by Hash and replay-protected by the proposer's nonce.
type ExtensionOffer struct {
	LoanID     uint64
	Price      *big.Int
	Duration   int64
	Expiration int64
	Proposer   [20]byte
	NonceSpace uint64
	Nonce      uint64
}

type extensionOfferJSON struct {
	LoanID     uint64 `json:"loanId"`
	Price      string `json:"price"`
	Duration   int64  `json:"duration"`
	Expiration int64  `json:"expiration"`
	Proposer   string `json:"proposer"`
	NonceSpace uint64 `json:"nonceSpace"`
	Nonce      uint64 `json:"nonce"`
}

// MarshalJSON encodes the offer into the representation consumed by RPC
// clients. Addresses travel as hex; amounts as decimal strings.
func (o ExtensionOffer) MarshalJSON() ([]byte, error) {
	price := "0"
	if o.Price != nil {
		price = o.Price.String()
	}
	payload := extensionOfferJSON{
		LoanID:     o.LoanID,
		Price:      price,
		Duration:   o.Duration,
		Expiration: o.Expiration,
		Proposer:   hex.EncodeToString(o.Proposer[:]),
		NonceSpace: o.NonceSpace,
		Nonce:      o.Nonce,
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes the on-wire representation into the canonical struct.
func (o *ExtensionOffer) UnmarshalJSON(data []byte) error {
	if o == nil {
		return fmt.Errorf("offer: nil receiver")
	}
	var payload extensionOfferJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	price := big.NewInt(0)
	if trimmed := strings.TrimSpace(payload.Price); trimmed != "" {
		parsed, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return fmt.Errorf("offer: invalid price %q", payload.Price)
		}
		if parsed.Sign() < 0 {
			return fmt.Errorf("offer: price must not be negative")
		}
		price = parsed
	}
	proposerHex := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(payload.Proposer)), "0x")
	proposerBytes, err := hex.DecodeString(proposerHex)
	if err != nil {
		return fmt.Errorf("offer: proposer: %w", err)
	}
	if len(proposerBytes) != 20 {
		return fmt.Errorf("offer: proposer must be 20 bytes")
	}
	var proposer [20]byte
	copy(proposer[:], proposerBytes)
	*o = ExtensionOffer{
		LoanID:     payload.LoanID,
		Price:      price,
		Duration:   payload.Duration,
		Expiration: payload.Expiration,
		Proposer:   proposer,
		NonceSpace: payload.NonceSpace,
		Nonce:      payload.Nonce,
	}
	return nil
}

// Hash returns the content address of the offer: the keccak256 digest of its
// domain-separated canonical encoding. Identical offers hash identically,
// which is what makes the on-ledger made-flag and the signature path
// interchangeable.
func (o ExtensionOffer) Hash() [32]byte {
	price := "0"
	if o.Price != nil {
		price = o.Price.String()
	}
	payload := fmt.Sprintf("%s|loan=%d|price=%s|duration=%d|exp=%d|proposer=%s|space=%d|nonce=%d",
		ExtensionOfferDomainV1,
		o.LoanID,
		price,
		o.Duration,
		o.Expiration,
		hex.EncodeToString(o.Proposer[:]),
		o.NonceSpace,
		o.Nonce,
	)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256([]byte(payload)))
	return digest
}

// VerifySignature checks that sig is a valid secp256k1 signature by the
// offer's proposer over the offer hash.
func (o ExtensionOffer) VerifySignature(sig []byte) error {
	return verifyDigestSignature(o.Hash(), sig, o.Proposer)
}

// Permit is a signed pre-authorization to pull a bounded amount of a fungible
// asset from its owner. The nonce is consumed through the same revocation
// registry as extension offers, so a revoked permit can never be replayed.
type Permit struct {
	Owner      [20]byte
	Symbol     string
	Value      *big.Int
	Deadline   int64
	NonceSpace uint64
	Nonce      uint64
	Signature  []byte
}

// Hash returns the digest the permit owner signs.
func (p Permit) Hash() [32]byte {
	value := "0"
	if p.Value != nil {
		value = p.Value.String()
	}
	payload := fmt.Sprintf("%s|owner=%s|symbol=%s|value=%s|deadline=%d|space=%d|nonce=%d",
		PermitDomainV1,
		hex.EncodeToString(p.Owner[:]),
		strings.ToUpper(strings.TrimSpace(p.Symbol)),
		value,
		p.Deadline,
		p.NonceSpace,
		p.Nonce,
	)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256([]byte(payload)))
	return digest
}

// Verify checks the permit signature against its owner.
func (p Permit) Verify() error {
	return verifyDigestSignature(p.Hash(), p.Signature, p.Owner)
}

func verifyDigestSignature(digest [32]byte, sig []byte, expected [20]byte) error {
	if len(sig) != 65 {
		return ErrInvalidSignature
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return ErrInvalidSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !bytes.Equal(recovered.Bytes(), expected[:]) {
		return ErrInvalidSignature
	}
	return nil
}
