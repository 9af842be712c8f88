package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"lienchain/cmd/internal/passphrase"
	"lienchain/crypto"
	"lienchain/rpc/client"
)

const (
	keystorePassEnv = "LIEN_KEYSTORE_PASS"
	rpcTokenEnv     = "LIEN_RPC_TOKEN"
	defaultKeystore = "account.keystore"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via LIEN_RPC_URL or --rpc flag

var (
	lienctlNow  = time.Now
	lienRPCCall = callLienRPC
)

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	var code int
	switch args[0] {
	case "generate-key":
		code = runGenerateKey(args[1:], os.Stdout, os.Stderr)
	case "show-address":
		code = runShowAddress(args[1:], os.Stdout, os.Stderr)
	case "balance":
		code = runBalance(args[1:], os.Stdout, os.Stderr)
	case "loan":
		code = runLoanCommand(args[1:], os.Stdout, os.Stderr)
	case "creditline":
		code = runCreditLineCommand(args[1:], os.Stdout, os.Stderr)
	case "offer":
		code = runOfferCommand(args[1:], os.Stdout, os.Stderr)
	case "permit":
		code = runPermitCommand(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("LIEN_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("generate-key", stderr, generateKeyUsage())
	var (
		keystorePath string
		force        bool
	)
	fs.StringVar(&keystorePath, "keystore", defaultKeystore, "output path for the encrypted keystore")
	fs.BoolVar(&force, "force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if !force {
		if _, err := os.Stat(keystorePath); err == nil {
			return printCtlError(stderr, fmt.Sprintf("keystore %s already exists (use --force to overwrite)", keystorePath))
		} else if !os.IsNotExist(err) {
			return printCtlError(stderr, err.Error())
		}
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("failed to generate key: %v", err))
	}
	pass, err := passphrase.NewSource(keystorePassEnv).Get()
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
		return printCtlError(stderr, fmt.Sprintf("failed to write keystore: %v", err))
	}

	fmt.Fprintf(stdout, "Generated new key and saved encrypted keystore to %s\n", keystorePath)
	fmt.Fprintf(stdout, "Your account address is: %s\n", key.PubKey().Address().String())
	fmt.Fprintln(stdout, "Store the passphrase securely. The key cannot be recovered without it.")
	return 0
}

func runShowAddress(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("show-address", stderr, showAddressUsage())
	var keystorePath string
	fs.StringVar(&keystorePath, "keystore", defaultKeystore, "path to the encrypted keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	key, err := loadSigningKey(keystorePath)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(stderr, "Usage: lienctl balance <address> [symbol]")
		return 1
	}
	address := strings.TrimSpace(args[0])
	symbol := "LIEN"
	if len(args) == 2 {
		symbol = strings.ToUpper(strings.TrimSpace(args[1]))
	}
	params := map[string]interface{}{"address": address, "symbol": symbol}
	result, rpcErr, err := lienRPCCall("lien_balance", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	var decoded struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return printCtlError(stderr, fmt.Sprintf("failed to decode balance response: %v", err))
	}
	fmt.Fprintf(stdout, "Balance for: %s\n", decoded.Address)
	fmt.Fprintf(stdout, "  %s: %s\n", decoded.Symbol, decoded.Amount)
	return 0
}

// loadSigningKey opens the encrypted keystore at path, resolving the
// passphrase from LIEN_KEYSTORE_PASS or an interactive prompt.
func loadSigningKey(path string) (*crypto.PrivateKey, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("keystore %s not found. run ./lienctl generate-key first", path)
		}
		return nil, fmt.Errorf("failed to read keystore %s: %w", path, err)
	}
	pass, err := passphrase.NewSource(keystorePassEnv).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock keystore %s: %w", path, err)
	}
	return key, nil
}

// callLienRPC routes a command through the shared JSON-RPC client. Node-side
// failures come back as a *client.Error so callers can render code and message
// separately from transport errors.
func callLienRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *client.Error, error) {
	opts := []client.Option{}
	if requireAuth {
		token := strings.TrimSpace(os.Getenv(rpcTokenEnv))
		if token == "" {
			return nil, nil, fmt.Errorf("privileged RPC call requires %s to be set", rpcTokenEnv)
		}
		opts = append(opts, client.WithToken(token))
	}
	c, err := client.New(rpcEndpoint, opts...)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var result json.RawMessage
	if err := c.Call(ctx, method, params, &result); err != nil {
		var rpcErr *client.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr, nil
		}
		return nil, nil, err
	}
	return result, nil, nil
}

func newCtlFlagSet(name string, stderr io.Writer, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
	}
	return fs
}

func printCtlError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *client.Error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

// normalizeCtlAmount canonicalises a base-unit amount flag into a decimal
// string, accepting 100e18 shorthand for full-precision values.
func normalizeCtlAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("amount is required")
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in amount")
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in amount")
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("amount must be positive")
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid amount format")
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	if fracLen > 0 {
		for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
			digits = digits[:len(digits)-1]
			fracLen--
		}
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("amount must be an integer in base units")
	}
	if digits == "" {
		return "", fmt.Errorf("amount must be positive")
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseCtlDeadline resolves a deadline flag given either as +duration relative
// to now or as an absolute RFC3339 timestamp.
func parseCtlDeadline(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("deadline is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		durationStr := strings.TrimSpace(trimmed[1:])
		if durationStr == "" {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		dur, err := parseCtlDuration(durationStr)
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("deadline duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid RFC3339 deadline")
	}
	return ts.Unix(), nil
}

// parseCtlDuration extends time.ParseDuration with a day suffix, so loan terms
// can be written as 30d instead of 720h.
func parseCtlDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		daysStr := strings.TrimSuffix(strings.TrimSuffix(value, "d"), "D")
		if daysStr == "" {
			return 0, fmt.Errorf("invalid duration")
		}
		days, err := strconv.ParseFloat(daysStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration")
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration")
	}
	return dur, nil
}

func generateKeyUsage() string {
	return strings.TrimSpace(`Usage:
  lienctl generate-key [flags]

Flags:
  --keystore  Output path for the encrypted keystore (default account.keystore)
  --force     Overwrite an existing keystore file

The passphrase is read from LIEN_KEYSTORE_PASS or prompted interactively.
`)
}

func showAddressUsage() string {
	return strings.TrimSpace(`Usage:
  lienctl show-address [flags]

Flags:
  --keystore  Path to the encrypted keystore (default account.keystore)
`)
}

func printUsage() {
	fmt.Println("Usage: lienctl <command> [arguments]")
	fmt.Println()
	fmt.Println("Signing commands need a locally generated keystore. Run ./lienctl generate-key first;")
	fmt.Println("state-changing RPC calls additionally require LIEN_RPC_TOKEN to be set.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                 - Generates a new key into an encrypted keystore")
	fmt.Println("  show-address                 - Prints the keystore's account address")
	fmt.Println("  balance <address> [symbol]   - Checks an account balance (default symbol LIEN)")
	fmt.Println("  loan                         - Term loan lifecycle subcommands")
	fmt.Println("  creditline                   - Credit line lifecycle subcommands")
	fmt.Println("  offer                        - Extension offer signing and submission")
	fmt.Println("  permit                       - Spending permit signing")
	fmt.Println()
	fmt.Println("Global flags:")
	fmt.Println("  --rpc <url>                  - Node RPC endpoint (default http://localhost:8080)")
}
