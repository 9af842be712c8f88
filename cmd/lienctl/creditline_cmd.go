package main

import (
	"fmt"
	"io"
	"strings"
)

func runCreditLineCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, creditLineUsage())
		return 1
	}

	switch args[0] {
	case "open":
		return runCreditLineOpen(args[1:], stdout, stderr)
	case "draw":
		return runCreditLineFlow("creditline_draw", args[1:], stdout, stderr)
	case "repay":
		return runCreditLineFlow("creditline_repay", args[1:], stdout, stderr)
	case "claim":
		return runLoanActor("creditline_claim", args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown creditline subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, creditLineUsage())
		return 1
	}
}

func runCreditLineOpen(args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet("creditline open", stderr, creditLineUsage())
	var (
		caller     string
		permitFile string
		tf         termsFlags
	)
	fs.StringVar(&caller, "caller", "", "originating account bech32 address")
	fs.StringVar(&permitFile, "permit-file", "", "optional signed spending permit JSON file")
	registerTermsFlags(fs, &tf, "creditline")
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
	terms, err := tf.toParams("creditline")
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

	result, rpcErr, err := lienRPCCall("creditline_open", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// runCreditLineFlow handles draw and repay, the two partial-amount movements a
// running credit line supports.
func runCreditLineFlow(method string, args []string, stdout, stderr io.Writer) int {
	fs := newCtlFlagSet(method, stderr, creditLineUsage())
	var (
		id         string
		caller     string
		amountStr  string
		permitFile string
	)
	fs.StringVar(&id, "id", "", "credit line identifier")
	fs.StringVar(&caller, "caller", "", "borrower bech32 address")
	fs.StringVar(&amountStr, "amount", "", "movement amount (supports 100e18 shorthand)")
	if method == "creditline_repay" {
		fs.StringVar(&permitFile, "permit-file", "", "optional signed spending permit JSON file")
	}
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
	if strings.TrimSpace(amountStr) == "" {
		return printCtlError(stderr, "--amount is required")
	}
	amount, err := normalizeCtlAmount(amountStr)
	if err != nil {
		return printCtlError(stderr, fmt.Sprintf("--amount: %v", err))
	}

	params := map[string]interface{}{"id": loanID, "caller": caller, "amount": amount}
	if strings.TrimSpace(permitFile) != "" {
		permit, err := readPermitFile(permitFile)
		if err != nil {
			return printCtlError(stderr, err.Error())
		}
		params["permit"] = permit
	}

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

func creditLineUsage() string {
	return strings.TrimSpace(`Usage:
  lienctl creditline <command> [flags]

Commands:
  open   Open an elastic credit line against collateral
  draw   Draw principal from a running credit line
  repay  Repay part or all of the drawn balance
  claim  Claim collateral or escrowed proceeds after settlement
`)
}
