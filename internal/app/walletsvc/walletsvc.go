// Package walletsvc manages the payment backend credentials of an account:
// setting them up, testing them, choosing the active one and re-sealing
// rows written before the vault existed.
package walletsvc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
	"github.com/satsjar/satsjar/internal/infra/wallet"
	"github.com/satsjar/satsjar/internal/security"
)

// Input carries the fields of either backend kind. A relay wallet takes a
// connection descriptor; an invoice-API wallet takes endpoint and key.
type Input struct {
	Descriptor string `json:"descriptor,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// Status is the result of a connectivity check.
type Status struct {
	Kind    domain.BackendKind `json:"kind"`
	Balance int64              `json:"balance"`
	Active  bool               `json:"active"`
}

// Service manages wallet credentials.
type Service struct {
	db    *sqlite.DB
	vault *security.Vault
	exec  *executor.Executor
	audit *observability.AuditLog
	clock domain.Clock
}

// New creates the wallet service.
func New(db *sqlite.DB, vault *security.Vault, exec *executor.Executor, audit *observability.AuditLog, clock domain.Clock) *Service {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Service{db: db, vault: vault, exec: exec, audit: audit, clock: clock}
}

// Decode validates an Input for kind and returns its configuration.
func Decode(kind domain.BackendKind, in Input) (domain.WalletConfig, error) {
	switch kind {
	case domain.BackendRelay:
		return wallet.ParseDescriptor(in.Descriptor)
	case domain.BackendInvoiceAPI:
		cfg := domain.InvoiceAPIConfig{
			Endpoint: strings.TrimRight(strings.TrimSpace(in.Endpoint), "/"),
			APIKey:   strings.TrimSpace(in.APIKey),
		}
		return cfg, cfg.Validate()
	}
	return nil, fmt.Errorf("backend kind %q: %w", kind, domain.ErrInvalidConfig)
}

// Setup validates the credentials, checks that the wallet answers, and
// stores them sealed. Nothing is stored when the check fails.
func (s *Service) Setup(ctx context.Context, accountID string, kind domain.BackendKind, in Input) (Status, error) {
	acct, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return Status{}, err
	}
	cfg, err := Decode(kind, in)
	if err != nil {
		return Status{}, err
	}
	backend, err := s.exec.Open(cfg)
	if err != nil {
		return Status{}, err
	}
	bal, err := s.exec.Balance(ctx, backend)
	if err != nil {
		return Status{}, err
	}

	raw, err := executor.EncodeConfig(cfg)
	if err != nil {
		return Status{}, err
	}
	sealed, err := s.vault.Seal(raw)
	if err != nil {
		return Status{}, err
	}
	if err := s.db.UpsertWallet(ctx, acct.ID, domain.SealedWallet{
		Kind: kind, Secret: sealed, UpdatedAt: s.clock.Now(),
	}); err != nil {
		return Status{}, err
	}
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: acct.ID, FamilyID: acct.FamilyID, Action: "wallet.setup", Target: string(kind),
	})
	log.Printf("[wallet] %s configured %s wallet (balance %d sats)", acct.ID, kind, bal)

	acct, err = s.db.GetAccount(ctx, acct.ID)
	if err != nil {
		return Status{}, err
	}
	return Status{Kind: kind, Balance: bal, Active: acct.SelectedBackend() == kind}, nil
}

// Test checks a stored wallet by reading its balance.
func (s *Service) Test(ctx context.Context, accountID string, kind domain.BackendKind) (Status, error) {
	acct, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return Status{}, err
	}
	backend, err := s.exec.BackendOf(acct, kind)
	if err != nil {
		return Status{}, err
	}
	bal, err := s.exec.Balance(ctx, backend)
	if err != nil {
		return Status{}, err
	}
	return Status{Kind: kind, Balance: bal, Active: acct.SelectedBackend() == kind}, nil
}

// Delete removes a stored wallet.
func (s *Service) Delete(ctx context.Context, accountID string, kind domain.BackendKind) error {
	acct, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.db.DeleteWallet(ctx, acct.ID, kind); err != nil {
		return err
	}
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: acct.ID, FamilyID: acct.FamilyID, Action: "wallet.deleted", Target: string(kind),
	})
	return nil
}

// SetActive pins the backend used for outbound payments. BackendNone
// restores automatic selection.
func (s *Service) SetActive(ctx context.Context, accountID string, kind domain.BackendKind) error {
	acct, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if kind != domain.BackendNone {
		if _, ok := acct.Wallets[kind]; !ok {
			return fmt.Errorf("no %s wallet configured: %w", kind, domain.ErrNoBackend)
		}
	}
	return s.db.SetActiveBackend(ctx, acct.ID, kind)
}

// SetPayoutAddress stores the lightning address payouts go to. An empty
// address clears it.
func (s *Service) SetPayoutAddress(ctx context.Context, accountID, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address != "" {
		if _, _, err := wallet.ParseAddress(address); err != nil {
			return err
		}
	}
	return s.db.SetPayoutAddress(ctx, accountID, address)
}

// MigrationReport summarizes a Migrate run.
type MigrationReport struct {
	Total    int `json:"total"`
	Resealed int `json:"resealed"`
	Unusable int `json:"unusable"`
}

// Migrate seals every wallet row still stored as plaintext and counts sealed
// rows the current master key cannot open.
func (s *Service) Migrate(ctx context.Context) (MigrationReport, error) {
	rows, err := s.db.AllWallets(ctx)
	if err != nil {
		return MigrationReport{}, err
	}
	var rep MigrationReport
	for _, r := range rows {
		rep.Total++
		if security.LooksSealed(r.Secret) {
			if _, err := s.vault.Unseal(r.Secret); err != nil {
				rep.Unusable++
				log.Printf("[wallet] %s %s credentials cannot be opened: %v", r.AccountID, r.Kind, err)
			}
			continue
		}
		if _, err := wallet.DecodeConfig(r.Kind, []byte(r.Secret)); err != nil {
			rep.Unusable++
			log.Printf("[wallet] %s %s legacy credentials are malformed: %v", r.AccountID, r.Kind, err)
			continue
		}
		sealed, err := s.vault.Seal(r.Secret)
		if err != nil {
			return rep, err
		}
		r.SealedWallet.Secret = sealed
		r.SealedWallet.UpdatedAt = s.clock.Now()
		if err := s.db.UpsertWallet(ctx, r.AccountID, r.SealedWallet); err != nil {
			return rep, err
		}
		rep.Resealed++
	}
	if rep.Resealed > 0 || rep.Unusable > 0 {
		log.Printf("[wallet] migration: %d wallets, %d resealed, %d unusable", rep.Total, rep.Resealed, rep.Unusable)
	}
	return rep, nil
}

// IsReconfigure reports whether err means the stored credentials must be
// entered again.
func IsReconfigure(err error) bool {
	return errors.Is(err, domain.ErrCredentialsUnusable)
}
