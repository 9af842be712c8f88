package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lienchain/native/loan"
)

// signedOfferDoc is the portable artifact offer sign produces: the offer
// itself plus the proposer's signature over its hash. loan extend and offer
// submit both consume it.
type signedOfferDoc struct {
	Offer     loan.ExtensionOffer `json:"offer"`
	Hash      string              `json:"hash,omitempty"`
	Signature string              `json:"signature,omitempty"`
}

func runOfferCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, offerUsage())
		return 1
	}

	switch args[0] {
	case "sign":
		return runOfferSign(args[1:], stdout, stderr)
	case "submit":
		return runOfferSubmit(args[1:], stdout, stderr)
	case "revoke-nonce":
		return runOfferRevokeNonce(args[1:], stdout, stderr)
	case "check-nonce":
		return runOfferCheckNonce(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown offer subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, offerUsage())
		return 1
	}
}

func runOfferSign(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("offer sign", stderr, offerUsage())
	var (
		keystorePath string
		loanIDStr    string
		priceStr     string
		extendBy     string
		expires      string
		nonceSpace   uint64
		nonce        uint64
		outPath      string
	)
	fs.StringVar(&keystorePath, "keystore", defaultKeystore, "path to the proposer's encrypted keystore")
	fs.StringVar(&loanIDStr, "loan", "", "loan identifier the offer applies to")
	fs.StringVar(&priceStr, "price", "", "extension price in the loan's credit asset (supports 100e18 shorthand)")
	fs.StringVar(&extendBy, "extend-by", "", "how far to push the default timestamp (supports 30d shorthand)")
	fs.StringVar(&expires, "expires", "", "offer expiry as +duration or RFC3339 timestamp")
	fs.Uint64Var(&nonceSpace, "nonce-space", 1, "replay-protection nonce space")
	fs.Uint64Var(&nonce, "nonce", 0, "unique nonce within the space")
	fs.StringVar(&outPath, "out", "", "write the signed offer to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	loanID, err := parseLoanIDForFlag("--loan", loanIDStr)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	if strings.TrimSpace(priceStr) == "" {
		return printCtlError(stderr, "--price is required")
	}
	normalizedPrice, err := normalizeCtlAmount(priceStr)
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("--price: %v", err))
	}
	price, ok := new(big.Int).SetString(normalizedPrice, 10)
	if !ok {
		return printCtlError(stderr, "--price: invalid amount")
	}
	if strings.TrimSpace(extendBy) == "" {
		return printCtlError(stderr, "--extend-by is required")
	}
	extension, err := parseCtlDuration(strings.TrimSpace(extendBy))
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("--extend-by: %v", err))
	}
	if extension <= 0 {
		return printCtlError(stderr, "--extend-by must be positive")
	}
	if strings.TrimSpace(expires) == "" {
		return printCtlError(stderr, "--expires is required")
	}
	expiration, err := parseCtlDeadline(expires, lienctlNow())
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("--expires: %v", err))
	}
	if nonce == 0 {
		return printCtlError(stderr, "--nonce must be a positive integer")
	}

	key, err := loadSigningKey(keystorePath)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}

	offer := loan.ExtensionOffer{
		LoanID:     loanID,
		Price:      price,
		Duration:   int64(extension / time.Second),
		Expiration: expiration,
		Proposer:   key.PubKey().Address().Array(),
		NonceSpace: nonceSpace,
		Nonce:      nonce,
	}
	digest := offer.Hash()
	signature, err := ethcrypto.Sign(digest[:], key.PrivateKey)
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("failed to sign offer: %v", err))
	}

	doc := signedOfferDoc{
		Offer:     offer,
		Hash:      "0x" + hex.EncodeToString(digest[:]),
		Signature: "0x" + hex.EncodeToString(signature),
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("failed to encode offer: %v", err))
	}
	encoded = append(encoded, '\n')
	if strings.TrimSpace(outPath) != "" {
		if err := os.WriteFile(outPath, encoded, 0o600); err != nil {
			return printCtlError(stderr, fmt.Sprintf("failed to write %s: %v", outPath, err))
		}
		fmt.Fprintf(stdout, "Wrote signed extension offer to %s\n", outPath)
		return 0
	}
	if _, err := stdout.Write(encoded); err != nil {
		return 1
	}
	return 0
}

func runOfferSubmit(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("offer submit", stderr, offerUsage())
	var (
		caller    string
		offerFile string
	)
	fs.StringVar(&caller, "caller", "", "proposer bech32 address")
	fs.StringVar(&offerFile, "offer-file", "", "extension offer JSON file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printCtlError(stderr, "--caller is required")
	}
	if strings.TrimSpace(offerFile) == "" {
		return printCtlError(stderr, "--offer-file is required")
	}
	doc, err := readOfferFile(offerFile)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	params := map[string]interface{}{"caller": caller, "offer": doc.Offer}
	result, rpcErr, err := lienRPCCall("loan_makeExtensionOffer", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOfferRevokeNonce(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("offer revoke-nonce", stderr, offerUsage())
	var (
		caller     string
		nonceSpace uint64
		nonce      uint64
	)
	fs.StringVar(&caller, "caller", "", "nonce owner bech32 address")
	fs.Uint64Var(&nonceSpace, "nonce-space", 0, "replay-protection nonce space")
	fs.Uint64Var(&nonce, "nonce", 0, "nonce to burn")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printCtlError(stderr, "--caller is required")
	}
	if nonce == 0 {
		return printCtlError(stderr, "--nonce must be a positive integer")
	}
	params := map[string]interface{}{"caller": caller, "nonceSpace": nonceSpace, "nonce": nonce}
	result, rpcErr, err := lienRPCCall("loan_revokeNonce", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOfferCheckNonce(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("offer check-nonce", stderr, offerUsage())
	var (
		owner      string
		nonceSpace uint64
		nonce      uint64
	)
	fs.StringVar(&owner, "owner", "", "nonce owner bech32 address")
	fs.Uint64Var(&nonceSpace, "nonce-space", 0, "replay-protection nonce space")
	fs.Uint64Var(&nonce, "nonce", 0, "nonce to inspect")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if owner == "" {
		return printCtlError(stderr, "--owner is required")
	}
	if nonce == 0 {
		return printCtlError(stderr, "--nonce must be a positive integer")
	}
	params := map[string]interface{}{"owner": owner, "nonceSpace": nonceSpace, "nonce": nonce}
	result, rpcErr, err := lienRPCCall("lien_nonceUsable", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// readOfferFile accepts either the signed document offer sign emits or a bare
// offer object.
func readOfferFile(path string) (*signedOfferDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read offer file %s: %v", path, err)
	}
	var doc signedOfferDoc
	if err := json.Unmarshal(data, &doc); err == nil && doc.Offer.LoanID != 0 {
		return &doc, nil
	}
	var bare loan.ExtensionOffer
	if err := json.Unmarshal(data, &bare); err != nil || bare.LoanID == 0 {
		return nil, fmt.Errorf("offer file %s does not contain an extension offer", path)
	}
	return &signedOfferDoc{Offer: bare}, nil
}

func offerUsage() string {
	return strings.TrimSpace(`Usage:
  lienctl offer <command> [flags]

Commands:
  sign          Sign an extension offer with the local keystore
  submit        Record an offer on the ledger so the counterparty can extend
  revoke-nonce  Burn an unused nonce to invalidate outstanding offers
  check-nonce   Check whether a nonce is still usable
`)
}
