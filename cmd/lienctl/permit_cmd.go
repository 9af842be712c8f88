package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lienchain/native/loan"
)

// permitParam mirrors the permit object the node's RPC surface consumes, so a
// signed permit file can be embedded verbatim into loan and creditline calls.
type permitParam struct {
	Owner      string `json:"owner"`
	Symbol     string `json:"symbol"`
	Value      string `json:"value"`
	Deadline   int64  `json:"deadline"`
	NonceSpace uint64 `json:"nonceSpace"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"`
}

func runPermitCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, permitUsage())
		return 1
	}

	switch args[0] {
	case "sign":
		return runPermitSign(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown permit subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, permitUsage())
		return 1
	}
}

func runPermitSign(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("permit sign", stderr, permitUsage())
	var (
		keystorePath string
		symbol       string
		valueStr     string
		deadline     string
		nonceSpace   uint64
		nonce        uint64
		outPath      string
	)
	fs.StringVar(&keystorePath, "keystore", defaultKeystore, "path to the owner's encrypted keystore")
	fs.StringVar(&symbol, "symbol", "LIEN", "fungible asset symbol the permit covers")
	fs.StringVar(&valueStr, "value", "", "maximum amount the permit authorises (supports 100e18 shorthand)")
	fs.StringVar(&deadline, "deadline", "", "permit expiry as +duration or RFC3339 timestamp")
	fs.Uint64Var(&nonceSpace, "nonce-space", 2, "replay-protection nonce space")
	fs.Uint64Var(&nonce, "nonce", 0, "unique nonce within the space")
	fs.StringVar(&outPath, "out", "", "write the signed permit to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	normalizedSymbol := strings.ToUpper(strings.TrimSpace(symbol))
	if normalizedSymbol == "" {
		return printCtlError(stderr, "--symbol is required")
	}
	if strings.TrimSpace(valueStr) == "" {
		return printCtlError(stderr, "--value is required")
	}
	normalizedValue, err := normalizeCtlAmount(valueStr)
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("--value: %v", err))
	}
	value, ok := new(big.Int).SetString(normalizedValue, 10)
	if !ok {
		return printCtlError(stderr, "--value: invalid amount")
	}
	if strings.TrimSpace(deadline) == "" {
		return printCtlError(stderr, "--deadline is required")
	}
	deadlineUnix, err := parseCtlDeadline(deadline, lienctlNow())
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("--deadline: %v", err))
	}
	if nonce == 0 {
		return printCtlError(stderr, "--nonce must be a positive integer")
	}

	key, err := loadSigningKey(keystorePath)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	owner := key.PubKey().Address()

	permit := loan.Permit{
		Owner:      owner.Array(),
		Symbol:     normalizedSymbol,
		Value:      value,
		Deadline:   deadlineUnix,
		NonceSpace: nonceSpace,
		Nonce:      nonce,
	}
	digest := permit.Hash()
	signature, err := ethcrypto.Sign(digest[:], key.PrivateKey)
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("failed to sign permit: %v", err))
	}

	doc := permitParam{
		Owner:      owner.String(),
		Symbol:     normalizedSymbol,
		Value:      normalizedValue,
		Deadline:   deadlineUnix,
		NonceSpace: nonceSpace,
		Nonce:      nonce,
		Signature:  "0x" + hex.EncodeToString(signature),
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("failed to encode permit: %v", err))
	}
	encoded = append(encoded, '\n')
	if strings.TrimSpace(outPath) != "" {
		if err := os.WriteFile(outPath, encoded, 0o600); err != nil {
			return printCtlError(stderr, fmt.Sprintf("failed to write %s: %v", outPath, err))
		}
		fmt.Fprintf(stdout, "Wrote signed permit to %s\n", outPath)
		return 0
	}
	if _, err := stdout.Write(encoded); err != nil {
		return 1
	}
	return 0
}

func readPermitFile(path string) (*permitParam, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permit file %s: %v", path, err)
	}
	var permit permitParam
	if err := json.Unmarshal(data, &permit); err != nil {
		return nil, fmt.Errorf("failed to parse permit file %s: %v", path, err)
	}
	if strings.TrimSpace(permit.Owner) == "" || strings.TrimSpace(permit.Signature) == "" {
		return nil, fmt.Errorf("permit file %s is missing owner or signature", path)
	}
	return &permit, nil
}

func permitUsage() string {
	return strings.TrimSpace(`Usage:
  lienctl permit <command> [flags]

Commands:
  sign  Sign a spending permit with the local keystore
`)
}
