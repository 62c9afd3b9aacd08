package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/satsjar/satsjar/internal/daemon"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func testHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SATSJAR_HOME", home)
	t.Setenv("SATSJAR_MASTER_KEY", "cli-test-key")
	t.Setenv("SATSJAR_TIMEZONE", "UTC")
	configPath = ""
	return home
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil || !strings.Contains(out, daemon.Version) {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestVaultSealUnseal(t *testing.T) {
	testHome(t)

	sealed, err := run(t, `{"endpoint":"https://x","api_key":"k"}`+"\n", "vault", "seal")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed = strings.TrimSpace(sealed)
	if strings.Contains(sealed, "api_key") {
		t.Fatalf("seal output leaks plaintext: %q", sealed)
	}

	plain, err := run(t, "", "vault", "unseal", sealed)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if strings.TrimSpace(plain) != `{"endpoint":"https://x","api_key":"k"}` {
		t.Errorf("unseal = %q", plain)
	}

	t.Setenv("SATSJAR_MASTER_KEY", "a-different-key")
	if _, err := run(t, "", "vault", "unseal", sealed); err == nil {
		t.Error("unseal with the wrong key succeeded")
	}
}

func TestVaultCheck(t *testing.T) {
	home := testHome(t)
	db, err := sqlite.Open(home)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	db.CreateAccount(ctx, &domain.Account{ID: "g1", FamilyID: "fam", Role: domain.RoleGuardian, Name: "g1"})
	db.UpsertWallet(ctx, "g1", domain.SealedWallet{Kind: domain.BackendInvoiceAPI, Secret: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"})
	db.Close()

	out, err := run(t, "", "vault", "check")
	if err == nil || !strings.Contains(out, "UNUSABLE") {
		t.Errorf("check = %q, %v", out, err)
	}
}

func TestRecurringImportAndFailedList(t *testing.T) {
	home := testHome(t)
	db, err := sqlite.Open(home)
	if err != nil {
		t.Fatal(err)
	}
	db.CreateAccount(context.Background(), &domain.Account{ID: "g1", FamilyID: "fam", Role: domain.RoleGuardian, Name: "g1"})
	db.Close()

	file := filepath.Join(t.TempDir(), "chores.yaml")
	os.WriteFile(file, []byte("obligations:\n  - title: Dishes\n    sats: 10\n    frequency: daily\n"), 0o600)

	out, err := run(t, "", "recurring", "import", "-f", file, "--as", "g1")
	if err != nil || !strings.Contains(out, "1 obligations imported") {
		t.Errorf("import = %q, %v", out, err)
	}

	out, err = run(t, "", "failed", "list", "--as", "g1")
	if err != nil || !strings.Contains(out, "No failed payments.") {
		t.Errorf("failed list = %q, %v", out, err)
	}
}
