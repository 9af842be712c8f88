package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestMaskFieldRedactsSensitiveValues(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	sensitiveToken := "secret-bearer-token"
	logger.Warn("rejecting request",
		MaskField("token", sensitiveToken),
		slog.String("reason", "unit test"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log payload: %v", err)
	}

	if IsAllowlisted("token") {
		t.Fatalf("token should not be allowlisted for logging: %v", RedactionAllowlist())
	}
	if bytes.Contains(buf.Bytes(), []byte(sensitiveToken)) {
		t.Fatalf("log output leaked sensitive token: %s", buf.Bytes())
	}

	value, ok := entry["token"].(string)
	if !ok {
		t.Fatalf("expected string token attribute, got %T", entry["token"])
	}
	if value != RedactedValue {
		t.Fatalf("expected redacted token, got %q", value)
	}
}

func TestMaskFieldKeepsAllowlistedKeys(t *testing.T) {
	attr := MaskField("method", "loan_repay")
	if got := attr.Value.String(); got != "loan_repay" {
		t.Fatalf("expected allowlisted key to pass through, got %q", got)
	}
}

func TestMaskAuthorizationPreservesScheme(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"Bearer abc123":        "Bearer " + RedactedValue,
		"Basic dXNlcjpwYXNz":   "Basic " + RedactedValue,
		"tokenwithoutascheme":  RedactedValue,
		"  Bearer padded-tok ": "Bearer " + RedactedValue,
	}
	for header, want := range cases {
		if got := MaskAuthorization(header); got != want {
			t.Fatalf("MaskAuthorization(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
