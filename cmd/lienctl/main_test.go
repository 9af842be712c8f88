package main

import (
	"testing"
	"time"
)

func TestNormalizeCtlAmount(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "100", want: "100"},
		{input: "00100", want: "100"},
		{input: "100e18", want: "100000000000000000000"},
		{input: "0.5e18", want: "500000000000000000"},
		{input: "1.0", want: "1"},
		{input: "1_000", want: "1000"},
		{input: "1.23e-1", wantErr: true},
		{input: "-10", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := normalizeCtlAmount(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected result: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseCtlDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "relative_hours", input: "+2h", want: now.Add(2 * time.Hour).Unix()},
		{name: "relative_days", input: "+1.5d", want: now.Add(36 * time.Hour).Unix()},
		{name: "absolute", input: "2026-01-01T00:00:00Z", want: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()},
		{name: "invalid", input: "soon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCtlDeadline(tc.input, now)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected deadline: got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestParseCtlDuration(t *testing.T) {
	cases := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "30d", want: 720 * time.Hour},
		{input: "1.5d", want: 36 * time.Hour},
		{input: "36h", want: 36 * time.Hour},
		{input: "90m", want: 90 * time.Minute},
		{input: "soon", wantErr: true},
		{input: "d", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := parseCtlDuration(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected duration: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	original := rpcEndpoint
	defer func() { rpcEndpoint = original }()

	rpcEndpoint = "http://localhost:8080"
	rest, err := applyGlobalFlags([]string{"--rpc", "http://10.0.0.5:9000", "loan", "get"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rpcEndpoint != "http://10.0.0.5:9000" {
		t.Fatalf("endpoint not applied: %s", rpcEndpoint)
	}
	if len(rest) != 2 || rest[0] != "loan" || rest[1] != "get" {
		t.Fatalf("unexpected remaining args: %v", rest)
	}

	rest, err = applyGlobalFlags([]string{"--rpc=http://10.0.0.6:9000", "balance"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rpcEndpoint != "http://10.0.0.6:9000" {
		t.Fatalf("endpoint not applied: %s", rpcEndpoint)
	}
	if len(rest) != 1 || rest[0] != "balance" {
		t.Fatalf("unexpected remaining args: %v", rest)
	}

	if _, err := applyGlobalFlags([]string{"loan", "--rpc"}); err == nil {
		t.Fatalf("expected error for trailing --rpc without value")
	}
}
