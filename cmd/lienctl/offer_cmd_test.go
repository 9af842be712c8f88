package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lienchain/crypto"
	"lienchain/native/loan"
	"lienchain/rpc/client"
)

const testPassphrase = "correct horse battery staple"

// setupCtlKeystore writes a fresh encrypted keystore into a temp dir and
// points LIEN_KEYSTORE_PASS at its passphrase.
func setupCtlKeystore(t *testing.T) (string, crypto.Address) {
	t.Helper()
	t.Setenv(keystorePassEnv, testPassphrase)
	path := filepath.Join(t.TempDir(), "account.keystore")
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(path, key, testPassphrase); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	return path, key.PubKey().Address()
}

func withFixedNow(t *testing.T, now time.Time) {
	t.Helper()
	original := lienctlNow
	lienctlNow = func() time.Time { return now }
	t.Cleanup(func() { lienctlNow = original })
}

func signTestOffer(t *testing.T, keystorePath, outPath string) signedOfferDoc {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{
		"sign",
		"--keystore", keystorePath,
		"--loan", "7",
		"--price", "25",
		"--extend-by", "30d",
		"--expires", "+72h",
		"--nonce", "9",
		"--out", outPath,
	}
	if exitCode := runOfferCommand(args, stdout, stderr); exitCode != 0 {
		t.Fatalf("offer sign failed: exit %d, stderr %q", exitCode, stderr.String())
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read signed offer: %v", err)
	}
	var doc signedOfferDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse signed offer: %v", err)
	}
	return doc
}

func TestOfferSignProducesVerifiableOffer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	withFixedNow(t, now)
	keystorePath, addr := setupCtlKeystore(t)
	outPath := filepath.Join(t.TempDir(), "offer.json")

	doc := signTestOffer(t, keystorePath, outPath)

	if doc.Offer.LoanID != 7 {
		t.Fatalf("unexpected loan id: %d", doc.Offer.LoanID)
	}
	if doc.Offer.Price == nil || doc.Offer.Price.String() != "25" {
		t.Fatalf("unexpected price: %v", doc.Offer.Price)
	}
	if doc.Offer.Duration != int64(30*24*60*60) {
		t.Fatalf("unexpected duration: %d", doc.Offer.Duration)
	}
	if doc.Offer.Expiration != now.Add(72*time.Hour).Unix() {
		t.Fatalf("unexpected expiration: %d", doc.Offer.Expiration)
	}
	if doc.Offer.Proposer != addr.Array() {
		t.Fatalf("proposer does not match keystore address")
	}
	if doc.Offer.NonceSpace != 1 || doc.Offer.Nonce != 9 {
		t.Fatalf("unexpected nonce: space %d nonce %d", doc.Offer.NonceSpace, doc.Offer.Nonce)
	}

	digest := doc.Offer.Hash()
	if doc.Hash != "0x"+hex.EncodeToString(digest[:]) {
		t.Fatalf("hash does not match offer content: %s", doc.Hash)
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(doc.Signature, "0x"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if err := doc.Offer.VerifySignature(signature); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestOfferSubmitSendsOffer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	withFixedNow(t, now)
	keystorePath, addr := setupCtlKeystore(t)
	outPath := filepath.Join(t.TempDir(), "offer.json")
	doc := signTestOffer(t, keystorePath, outPath)

	originalCall := lienRPCCall
	lienRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *client.Error, error) {
		if method != "loan_makeExtensionOffer" {
			t.Fatalf("unexpected method: %s", method)
		}
		if !requireAuth {
			t.Fatalf("loan_makeExtensionOffer must require auth")
		}
		got, ok := params.(map[string]interface{})
		if !ok {
			t.Fatalf("params are not an object: %T", params)
		}
		if got["caller"] != addr.String() {
			t.Fatalf("unexpected caller: %v", got["caller"])
		}
		offer, ok := got["offer"].(loan.ExtensionOffer)
		if !ok {
			t.Fatalf("offer has unexpected type: %T", got["offer"])
		}
		if offer.Hash() != doc.Offer.Hash() {
			t.Fatalf("submitted offer does not match signed offer")
		}
		return json.RawMessage(`"ok"`), nil, nil
	}
	defer func() { lienRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"submit", "--caller", addr.String(), "--offer-file", outPath}
	if exitCode := runOfferCommand(args, stdout, stderr); exitCode != 0 {
		t.Fatalf("offer submit failed: exit %d, stderr %q", exitCode, stderr.String())
	}
	if stdout.String() != "\"ok\"\n" {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestLoanExtendForwardsSignedOffer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	withFixedNow(t, now)
	keystorePath, _ := setupCtlKeystore(t)
	outPath := filepath.Join(t.TempDir(), "offer.json")
	doc := signTestOffer(t, keystorePath, outPath)
	borrower := testBech32(0x55)

	originalCall := lienRPCCall
	lienRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *client.Error, error) {
		if method != "loan_extend" {
			t.Fatalf("unexpected method: %s", method)
		}
		got, ok := params.(map[string]interface{})
		if !ok {
			t.Fatalf("params are not an object: %T", params)
		}
		if got["caller"] != borrower {
			t.Fatalf("unexpected caller: %v", got["caller"])
		}
		offer, ok := got["offer"].(loan.ExtensionOffer)
		if !ok {
			t.Fatalf("offer has unexpected type: %T", got["offer"])
		}
		if offer.Hash() != doc.Offer.Hash() {
			t.Fatalf("forwarded offer does not match signed offer")
		}
		if got["signature"] != doc.Signature {
			t.Fatalf("unexpected signature: %v", got["signature"])
		}
		return json.RawMessage(`"ok"`), nil, nil
	}
	defer func() { lienRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"extend", "--caller", borrower, "--offer-file", outPath}
	if exitCode := runLoanCommand(args, stdout, stderr); exitCode != 0 {
		t.Fatalf("loan extend failed: exit %d, stderr %q", exitCode, stderr.String())
	}
	if stdout.String() != "\"ok\"\n" {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestOfferSignValidation(t *testing.T) {
	originalCall := lienRPCCall
	lienRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *client.Error, error) {
		t.Fatalf("unexpected RPC call for method %s", method)
		return nil, nil, nil
	}
	defer func() { lienRPCCall = originalCall }()

	cases := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "missing_loan",
			args: []string{"sign", "--price", "25", "--extend-by", "30d", "--expires", "+72h", "--nonce", "9"},
			want: "Error: --loan is required\n",
		},
		{
			name: "missing_nonce",
			args: []string{"sign", "--loan", "7", "--price", "25", "--extend-by", "30d", "--expires", "+72h"},
			want: "Error: --nonce must be a positive integer\n",
		},
		{
			name: "submit_missing_offer_file",
			args: []string{"submit", "--caller", testBech32(0x66)},
			want: "Error: --offer-file is required\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			exitCode := runOfferCommand(tc.args, stdout, stderr)
			if exitCode != 1 {
				t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			if stderr.String() != tc.want {
				t.Fatalf("unexpected stderr: got %q, want %q", stderr.String(), tc.want)
			}
		})
	}
}
