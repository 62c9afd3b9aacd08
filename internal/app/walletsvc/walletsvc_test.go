package walletsvc

import (
	"context"
	"errors"
	"testing"

	"github.com/satsjar/satsjar/internal/app/apptest"
	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
	"github.com/satsjar/satsjar/internal/security"
)

const (
	testPubkey = "b889ff5b1513b641e2a139f661a661364979c5beee91842f8f0ef42ab558e9d4"
	testSecret = "71a8c14c1407c113601079c4302dab36460f0ccd0ad506f1f2dc73b5100e4f3c"
)

func setup(t *testing.T) (*Service, *sqlite.DB, *apptest.Backends) {
	t.Helper()
	db := apptest.NewDB(t)
	apptest.Account(t, db, "g1", "fam", domain.RoleGuardian)
	backends := apptest.NewBackends()
	exec := executor.New(executor.DefaultConfig(), db, apptest.Vault(), backends.Open)
	return New(db, apptest.Vault(), exec, nil, domain.FixedClock{T: apptest.T0}), db, backends
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		kind domain.BackendKind
		in   Input
		want error
	}{
		{"invoice ok", domain.BackendInvoiceAPI, Input{Endpoint: "https://pay.example/", APIKey: "k"}, nil},
		{"invoice no key", domain.BackendInvoiceAPI, Input{Endpoint: "https://pay.example"}, domain.ErrInvalidConfig},
		{"invoice bad url", domain.BackendInvoiceAPI, Input{Endpoint: "ftp://x", APIKey: "k"}, domain.ErrInvalidConfig},
		{"relay ok", domain.BackendRelay, Input{Descriptor: "nostr+walletconnect://" + testPubkey + "?relay=wss://relay.example&secret=" + testSecret}, nil},
		{"relay no secret", domain.BackendRelay, Input{Descriptor: "nostr+walletconnect://" + testPubkey + "?relay=wss://relay.example"}, domain.ErrInvalidDescriptor},
		{"unknown kind", domain.BackendKind("paypal"), Input{}, domain.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, tt.in)
			if tt.want == nil && err != nil {
				t.Errorf("Decode() error = %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSetup_SealsAndSelects(t *testing.T) {
	svc, db, backends := setup(t)
	backends.Add("http://wallet.example", apptest.NewFakeBackend(4200))
	ctx := context.Background()

	st, err := svc.Setup(ctx, "g1", domain.BackendInvoiceAPI, Input{Endpoint: "http://wallet.example/", APIKey: "k"})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if st.Balance != 4200 || !st.Active {
		t.Errorf("status = %+v", st)
	}
	ws, _ := db.ListWallets(ctx, "g1")
	if len(ws) != 1 || !security.LooksSealed(ws[0].Secret) {
		t.Fatalf("stored wallets = %+v", ws)
	}

	st, err = svc.Test(ctx, "g1", domain.BackendInvoiceAPI)
	if err != nil || st.Balance != 4200 {
		t.Errorf("Test = %+v, %v", st, err)
	}
}

func TestSetup_UnreachableStoresNothing(t *testing.T) {
	svc, db, _ := setup(t)
	ctx := context.Background()
	_, err := svc.Setup(ctx, "g1", domain.BackendInvoiceAPI, Input{Endpoint: "http://nowhere.example", APIKey: "k"})
	if !domain.IsBackendError(err) {
		t.Fatalf("error = %v, want backend error", err)
	}
	if ws, _ := db.ListWallets(ctx, "g1"); len(ws) != 0 {
		t.Errorf("%d wallets stored", len(ws))
	}
}

func TestSetActiveAndDelete(t *testing.T) {
	svc, db, backends := setup(t)
	backends.Add("http://wallet.example", apptest.NewFakeBackend(1))
	ctx := context.Background()

	if err := svc.SetActive(ctx, "g1", domain.BackendRelay); !errors.Is(err, domain.ErrNoBackend) {
		t.Errorf("SetActive without wallet error = %v", err)
	}
	apptest.AttachWallet(t, db, "g1", "http://wallet.example")
	if err := svc.SetActive(ctx, "g1", domain.BackendInvoiceAPI); err != nil {
		t.Fatal(err)
	}
	acct, _ := db.GetAccount(ctx, "g1")
	if acct.ActiveBackend != domain.BackendInvoiceAPI {
		t.Errorf("active = %q", acct.ActiveBackend)
	}

	if err := svc.Delete(ctx, "g1", domain.BackendInvoiceAPI); err != nil {
		t.Fatal(err)
	}
	acct, _ = db.GetAccount(ctx, "g1")
	if acct.ActiveBackend != domain.BackendNone || acct.SelectedBackend() != domain.BackendNone {
		t.Errorf("after delete = %+v", acct)
	}
	if err := svc.Delete(ctx, "g1", domain.BackendInvoiceAPI); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete error = %v", err)
	}
}

func TestSetPayoutAddress(t *testing.T) {
	svc, db, _ := setup(t)
	ctx := context.Background()
	if err := svc.SetPayoutAddress(ctx, "g1", "not-an-address"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("bad address error = %v", err)
	}
	if err := svc.SetPayoutAddress(ctx, "g1", " Kid@Wallet.Example "); err != nil {
		t.Fatal(err)
	}
	acct, _ := db.GetAccount(ctx, "g1")
	if acct.PayoutAddress != "kid@wallet.example" {
		t.Errorf("payout address = %q", acct.PayoutAddress)
	}
	if err := svc.SetPayoutAddress(ctx, "g1", ""); err != nil {
		t.Fatal(err)
	}
	acct, _ = db.GetAccount(ctx, "g1")
	if acct.PayoutAddress != "" {
		t.Errorf("payout address not cleared: %q", acct.PayoutAddress)
	}
}

func TestMigrate(t *testing.T) {
	svc, db, backends := setup(t)
	fb := backends.Add("http://legacy.example", apptest.NewFakeBackend(900))
	apptest.Account(t, db, "g2", "other", domain.RoleGuardian)
	ctx := context.Background()

	db.UpsertWallet(ctx, "g1", domain.SealedWallet{
		Kind: domain.BackendInvoiceAPI, Secret: `{"endpoint":"http://legacy.example","api_key":"k"}`, UpdatedAt: apptest.T0,
	})
	foreign, _ := security.NewVault("another-master-key").Seal(`{"endpoint":"http://x","api_key":"k"}`)
	db.UpsertWallet(ctx, "g2", domain.SealedWallet{Kind: domain.BackendInvoiceAPI, Secret: foreign, UpdatedAt: apptest.T0})

	rep, err := svc.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	if rep != (MigrationReport{Total: 2, Resealed: 1, Unusable: 1}) {
		t.Errorf("report = %+v", rep)
	}
	ws, _ := db.ListWallets(ctx, "g1")
	if !security.LooksSealed(ws[0].Secret) {
		t.Error("legacy row still plaintext")
	}
	st, err := svc.Test(ctx, "g1", domain.BackendInvoiceAPI)
	if err != nil || st.Balance != 900 || fb.Payments() != 0 {
		t.Errorf("Test after migrate = %+v, %v", st, err)
	}

	_, err = svc.Test(ctx, "g2", domain.BackendInvoiceAPI)
	if !IsReconfigure(err) {
		t.Errorf("foreign blob error = %v, want reconfigure", err)
	}

	rep, _ = svc.Migrate(ctx)
	if rep.Resealed != 0 {
		t.Errorf("second run resealed %d", rep.Resealed)
	}
}
