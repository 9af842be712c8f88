package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

func runLoanCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, loanUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runLoanCreate(args[1:], stdout, stderr)
	case "get":
		return runLoanQuery("loan_get", args[1:], stdout, stderr)
	case "owed":
		return runLoanQuery("loan_repaymentAmount", args[1:], stdout, stderr)
	case "repay":
		return runLoanRepay(args[1:], stdout, stderr)
	case "refinance":
		return runLoanRefinance(args[1:], stdout, stderr)
	case "claim":
		return runLoanActor("loan_claim", args[1:], stdout, stderr)
	case "transfer":
		return runLoanTransfer(args[1:], stdout, stderr)
	case "extend":
		return runLoanExtend(args[1:], stdout, stderr)
	case "fingerprint":
		return runLoanQuery("loan_stateFingerprint", args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown loan subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, loanUsage())
		return 1
	}
}

func runLoanCreate(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("loan create", stderr, loanUsage())
	var (
		caller     string
		permitFile string
		tf         termsFlags
	)
	fs.StringVar(&caller, "caller", "", "originating account bech32 address")
	fs.StringVar(&permitFile, "permit-file", "", "optional signed spending permit JSON file")
	registerTermsFlags(fs, &tf, "term")
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
	terms, err := tf.toParams("term")
	if err != nil {
		return printCtlError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"caller": caller,
		"terms":  terms,
	}
	if strings.TrimSpace(permitFile) != "" {
		permit, err := readPermitFile(permitFile)
		if err != nil {
			return printCtlError(stderr, err.Error())
		}
		params["permit"] = permit
	}

	result, rpcErr, err := lienRPCCall("loan_create", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runLoanQuery(method string, args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet(method, stderr, loanUsage())
	var id string
	fs.StringVar(&id, "id", "", "loan identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	loanID, err := parseLoanIDFlag(id)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": loanID}
	result, rpcErr, err := lienRPCCall(method, params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runLoanRepay(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("loan repay", stderr, loanUsage())
	var (
		id         string
		caller     string
		permitFile string
	)
	fs.StringVar(&id, "id", "", "loan identifier")
	fs.StringVar(&caller, "caller", "", "borrower bech32 address")
	fs.StringVar(&permitFile, "permit-file", "", "optional signed spending permit JSON file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	loanID, err := parseLoanIDFlag(id)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	if caller == "" {
		return printCtlError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": loanID, "caller": caller}
	if strings.TrimSpace(permitFile) != "" {
		permit, err := readPermitFile(permitFile)
		if err != nil {
			return printCtlError(stderr, err.Error())
		}
		params["permit"] = permit
	}
	result, rpcErr, err := lienRPCCall("loan_repay", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runLoanRefinance(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("loan refinance", stderr, loanUsage())
	var (
		id         string
		caller     string
		permitFile string
		tf         termsFlags
	)
	fs.StringVar(&id, "id", "", "loan identifier to refinance")
	fs.StringVar(&caller, "caller", "", "borrower bech32 address")
	fs.StringVar(&permitFile, "permit-file", "", "optional signed spending permit JSON file")
	registerTermsFlags(fs, &tf, "term")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	loanID, err := parseLoanIDFlag(id)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	if caller == "" {
		return printCtlError(stderr, "--caller is required")
	}
	terms, err := tf.toParams("term")
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"caller": caller,
		"id":     loanID,
		"terms":  terms,
	}
	if strings.TrimSpace(permitFile) != "" {
		permit, err := readPermitFile(permitFile)
		if err != nil {
			return printCtlError(stderr, err.Error())
		}
		params["permit"] = permit
	}
	result, rpcErr, err := lienRPCCall("loan_refinance", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runLoanActor(method string, args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet(method, stderr, loanUsage())
	var (
		id     string
		caller string
	)
	fs.StringVar(&id, "id", "", "loan identifier")
	fs.StringVar(&caller, "caller", "", "actor bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	loanID, err := parseLoanIDFlag(id)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	if caller == "" {
		return printCtlError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": loanID, "caller": caller}
	result, rpcErr, err := lienRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runLoanTransfer(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("loan transfer", stderr, loanUsage())
	var (
		id     string
		caller string
		to     string
	)
	fs.StringVar(&id, "id", "", "loan identifier")
	fs.StringVar(&caller, "caller", "", "current lender bech32 address")
	fs.StringVar(&to, "to", "", "new lender bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	loanID, err := parseLoanIDFlag(id)
	if err != nil {
		return printCtlError(stderr, err.Error())
	}
	if caller == "" {
		return printCtlError(stderr, "--caller is required")
	}
	if to == "" {
		return printCtlError(stderr, "--to is required")
	}
	params := map[string]interface{}{"id": loanID, "caller": caller, "to": to}
	result, rpcErr, err := lienRPCCall("loan_transferPosition", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runLoanExtend(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("loan extend", stderr, loanUsage())
	var (
		caller    string
		offerFile string
	)
	fs.StringVar(&caller, "caller", "", "accepting counterparty bech32 address")
	fs.StringVar(&offerFile, "offer-file", "", "signed extension offer JSON file")
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
	params := map[string]interface{}{
		"caller": caller,
		"offer":  doc.Offer,
	}
	if strings.TrimSpace(doc.Signature) != "" {
		params["signature"] = doc.Signature
	}
	result, rpcErr, err := lienRPCCall("loan_extend", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func parseLoanIDFlag(value string) (uint64, error) {
	return parseLoanIDForFlag("--id", value)
}

func parseLoanIDForFlag(flagName, value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("%s is required", flagName)
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%s must be a positive integer", flagName)
	}
	return id, nil
}

// termsFlags groups the flags shared by loan create, loan refinance and
// creditline open. The registered flag names shift with the loan kind so
// credit lines read as --limit/--daily-rate rather than term-loan vocabulary.
type termsFlags struct {
	borrower         string
	lender           string
	symbol           string
	principal        string
	interest         string
	annualRate       uint64
	dailyRate        uint64
	duration         string
	initialDraw      string
	collateralKind   string
	collateralSymbol string
	collateralID     string
	collateralAmount string
}

func registerTermsFlags(fs *flag.FlagSet, tf *termsFlags, kind string) {
	fs.StringVar(&tf.borrower, "borrower", "", "borrower bech32 address")
	fs.StringVar(&tf.lender, "lender", "", "lender bech32 address")
	fs.StringVar(&tf.symbol, "symbol", "LIEN", "credit asset symbol")
	fs.StringVar(&tf.duration, "duration", "", "loan duration (supports 30d shorthand)")
	fs.StringVar(&tf.collateralKind, "collateral-kind", "unique", "collateral kind (fungible, unique or semifungible)")
	fs.StringVar(&tf.collateralSymbol, "collateral-symbol", "", "collateral asset symbol")
	fs.StringVar(&tf.collateralID, "collateral-id", "", "collateral token id for unique assets")
	fs.StringVar(&tf.collateralAmount, "collateral-amount", "", "collateral amount for fungible assets")
	if kind == "creditline" {
		fs.StringVar(&tf.principal, "limit", "", "credit line size (supports 100e18 shorthand)")
		fs.Uint64Var(&tf.dailyRate, "daily-rate", 0, "daily interest rate in the ledger's fixed-point scale")
		fs.StringVar(&tf.initialDraw, "initial-draw", "", "optional amount drawn at open")
	} else {
		fs.StringVar(&tf.principal, "principal", "", "loan principal (supports 100e18 shorthand)")
		fs.StringVar(&tf.interest, "interest", "", "optional fixed interest amount")
		fs.Uint64Var(&tf.annualRate, "annual-rate", 0, "annual interest rate, percent scaled by 1e4 (100000 = 10%)")
	}
}

func (tf *termsFlags) toParams(kind string) (map[string]interface{}, error) {
	if tf.borrower == "" {
		return nil, fmt.Errorf("--borrower is required")
	}
	if tf.lender == "" {
		return nil, fmt.Errorf("--lender is required")
	}
	principalFlag := "--principal"
	if kind == "creditline" {
		principalFlag = "--limit"
	}
	if strings.TrimSpace(tf.principal) == "" {
		return nil, fmt.Errorf("%s is required", principalFlag)
	}
	principal, err := normalizeCtlAmount(tf.principal)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", principalFlag, err)
	}
	if strings.TrimSpace(tf.duration) == "" {
		return nil, fmt.Errorf("--duration is required")
	}
	dur, err := parseCtlDuration(strings.TrimSpace(tf.duration))
	if err != nil {
		return nil, fmt.Errorf("--duration: %v", err)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("--duration must be positive")
	}
	collateral, err := tf.collateralParams()
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"kind":       kind,
		"borrower":   tf.borrower,
		"lender":     tf.lender,
		"symbol":     strings.ToUpper(strings.TrimSpace(tf.symbol)),
		"principal":  principal,
		"duration":   int64(dur / time.Second),
		"collateral": collateral,
	}
	if strings.TrimSpace(tf.interest) != "" {
		interest, err := normalizeCtlAmount(tf.interest)
		if err != nil {
			return nil, fmt.Errorf("--interest: %v", err)
		}
		params["fixedInterest"] = interest
	}
	if tf.annualRate > 0 {
		params["annualRate"] = tf.annualRate
	}
	if tf.dailyRate > 0 {
		params["dailyRate"] = tf.dailyRate
	}
	if strings.TrimSpace(tf.initialDraw) != "" {
		draw, err := normalizeCtlAmount(tf.initialDraw)
		if err != nil {
			return nil, fmt.Errorf("--initial-draw: %v", err)
		}
		params["initialDraw"] = draw
	}
	return params, nil
}

func (tf *termsFlags) collateralParams() (map[string]interface{}, error) {
	kind := strings.ToLower(strings.TrimSpace(tf.collateralKind))
	switch kind {
	case "fungible", "unique", "semifungible":
	default:
		return nil, fmt.Errorf("--collateral-kind must be fungible, unique or semifungible")
	}
	if strings.TrimSpace(tf.collateralSymbol) == "" {
		return nil, fmt.Errorf("--collateral-symbol is required")
	}
	out := map[string]interface{}{
		"kind":   kind,
		"symbol": strings.ToUpper(strings.TrimSpace(tf.collateralSymbol)),
	}
	if kind == "unique" || kind == "semifungible" {
		if strings.TrimSpace(tf.collateralID) == "" {
			return nil, fmt.Errorf("--collateral-id is required for %s collateral", kind)
		}
		out["tokenId"] = strings.TrimSpace(tf.collateralID)
	}
	if kind != "unique" {
		if strings.TrimSpace(tf.collateralAmount) == "" {
			return nil, fmt.Errorf("--collateral-amount is required for %s collateral", kind)
		}
		amount, err := normalizeCtlAmount(tf.collateralAmount)
		if err != nil {
			return nil, fmt.Errorf("--collateral-amount: %v", err)
		}
		out["amount"] = amount
	}
	return out, nil
}

func loanUsage() string {
	return strings.TrimSpace(`Usage:
  lienctl loan <command> [flags]

Commands:
  create       Originate a collateral-backed term loan
  get          Fetch a loan by id
  owed         Quote the full repayment amount for a loan
  repay        Repay a term loan in full
  refinance    Replace a running loan with new terms
  claim        Claim collateral or escrowed proceeds after settlement
  transfer     Transfer the lender position to a new address
  extend       Accept an extension offer against a running loan
  fingerprint  Fetch the canonical state fingerprint for a loan
`)
}
