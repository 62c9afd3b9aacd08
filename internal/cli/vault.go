package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/satsjar/satsjar/internal/daemon"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
	"github.com/satsjar/satsjar/internal/security"
)

// ─── Vault CLI ──────────────────────────────────────────────────────────────
// The master secret comes from SATSJAR_MASTER_KEY, exactly as for serve.

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultSealCmd)
	vaultCmd.AddCommand(vaultUnsealCmd)
	vaultCmd.AddCommand(vaultCheckCmd)
}

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Seal and inspect wallet credentials",
}

var vaultSealCmd = &cobra.Command{
	Use:   "seal [VALUE]",
	Short: "Seal a value (reads stdin when VALUE is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := argOrStdin(cmd, args)
		if err != nil {
			return err
		}
		v, err := loadVault()
		if err != nil {
			return err
		}
		blob, err := v.Seal(in)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), blob)
		return nil
	},
}

var vaultUnsealCmd = &cobra.Command{
	Use:   "unseal [BLOB]",
	Short: "Unseal a blob (reads stdin when BLOB is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := argOrStdin(cmd, args)
		if err != nil {
			return err
		}
		v, err := loadVault()
		if err != nil {
			return err
		}
		plain, err := v.Unseal(in)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), plain)
		return nil
	},
}

var vaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report stored wallets the current master key cannot open",
	Args:  cobra.NoArgs,
	RunE:  runVaultCheck,
}

func runVaultCheck(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Home)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.AllWallets(context.Background())
	if err != nil {
		return err
	}
	v := security.NewVault(cfg.Vault.MasterKey)
	out := cmd.OutOrStdout()
	bad := 0
	for _, r := range rows {
		status := "ok"
		switch {
		case !security.LooksSealed(r.Secret):
			status = "plaintext (sealed on next start)"
		default:
			if _, err := v.Unseal(r.Secret); err != nil {
				status = "UNUSABLE: reconfigure wallet"
				bad++
			}
		}
		fmt.Fprintf(out, "%-36s  %-12s  %s\n", r.AccountID, r.Kind, status)
	}
	fmt.Fprintf(out, "\n%d wallets, %d unusable\n", len(rows), bad)
	if bad > 0 {
		return fmt.Errorf("%d wallets cannot be opened with the current master key", bad)
	}
	return nil
}

func loadVault() (*security.Vault, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return security.NewVault(cfg.Vault.MasterKey), nil
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
