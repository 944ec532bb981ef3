package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/papertutor/papertutor/internal/auth"
	"github.com/papertutor/papertutor/internal/bootstrap"
	"github.com/papertutor/papertutor/internal/config"
	"github.com/papertutor/papertutor/internal/ledger"
	"github.com/papertutor/papertutor/internal/version"
)

func setupRoot(t *testing.T) (string, int64) {
	t.Helper()
	root := t.TempDir()
	err := bootstrap.Init(bootstrap.InitOptions{
		Root:         root,
		LedgerPath:   filepath.Join(root, "data", "ledger.db"),
		IdentityPath: filepath.Join(root, "data", "identity.db"),
		ArtifactPath: filepath.Join(root, "data", "artifacts.db"),
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	stores, err := bootstrap.OpenStores(context.Background(), cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("OpenStores: %v", err)
	}
	defer stores.Close()
	acct, _, err := stores.Accounts.EnsureAccount(context.Background(), "cli@example.com", "CLI")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	return root, acct.ID
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBonusIsIdempotentPerReference(t *testing.T) {
	root, id := setupRoot(t)
	account := strconv.FormatInt(id, 10)

	out, err := run(t, "--root", root, "bonus", "--account", account, "--credits", "30", "--reference", "promo:exams")
	if err != nil {
		t.Fatalf("bonus: %v", err)
	}
	if !strings.HasPrefix(out, "settled") || !strings.Contains(out, "balance=30") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = run(t, "--root", root, "bonus", "--account", account, "--credits", "30", "--reference", "promo:exams")
	if err != nil {
		t.Fatalf("bonus again: %v", err)
	}
	if !strings.HasPrefix(out, "already_settled") || !strings.Contains(out, "balance=30") {
		t.Fatalf("repeat grant should not credit: %q", out)
	}

	out, err = run(t, "--root", root, "balance", "--account", account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if strings.TrimSpace(out) != "account "+account+" balance 30" {
		t.Fatalf("unexpected balance output %q", out)
	}

	out, err = run(t, "--root", root, "ledger", "--account", account, "--json")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	var entries []ledger.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode ledger: %v (%q)", err, out)
	}
	if len(entries) != 1 || entries[0].ExternalID != "promo:exams" || entries[0].Amount != 30 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestBonusRejectsBadFlags(t *testing.T) {
	root, id := setupRoot(t)
	account := strconv.FormatInt(id, 10)
	cases := map[string][]string{
		"no account":   {"--root", root, "bonus", "--credits", "5", "--reference", "r"},
		"zero credits": {"--root", root, "bonus", "--account", account, "--reference", "r"},
		"no reference": {"--root", root, "bonus", "--account", account, "--credits", "5"},
		"unknown acct": {"--root", root, "bonus", "--account", "9999", "--credits", "5", "--reference", "r"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := run(t, args...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestTokenValidates(t *testing.T) {
	root, id := setupRoot(t)
	out, err := run(t, "--root", root, "token", "--account", strconv.FormatInt(id, 10))
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := auth.NewManager(cfg.AuthSecret).ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got != id {
		t.Fatalf("token account = %d, want %d", got, id)
	}
}

func TestAnomaliesEmpty(t *testing.T) {
	root, _ := setupRoot(t)
	out, err := run(t, "--root", root, "anomalies")
	if err != nil {
		t.Fatalf("anomalies: %v", err)
	}
	if strings.TrimSpace(out) != "no billing anomalies" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestVersionFlag(t *testing.T) {
	out, err := run(t, "--version")
	if err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.Contains(out, version.Version) {
		t.Fatalf("unexpected version output %q", out)
	}
}
