package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Operator Commands ──────────────────────────────────────────────────────
// These act directly on the database as the guardian named by --as, with the
// same checks the HTTP API applies.

func init() {
	rootCmd.AddCommand(recurringCmd)
	recurringCmd.AddCommand(recurringImportCmd)
	recurringImportCmd.Flags().StringP("file", "f", "", "YAML file with obligations (required)")
	recurringImportCmd.Flags().String("as", "", "Guardian account ID (required)")
	recurringImportCmd.MarkFlagRequired("file")
	recurringImportCmd.MarkFlagRequired("as")

	rootCmd.AddCommand(failedCmd)
	failedCmd.AddCommand(failedListCmd)
	failedCmd.AddCommand(failedRetryCmd)
	failedCmd.AddCommand(failedCancelCmd)
	failedCmd.PersistentFlags().String("as", "", "Guardian account ID (required)")
	failedCmd.MarkPersistentFlagRequired("as")
	failedListCmd.Flags().String("status", "", "Filter by status (pending, retried, resolved, cancelled)")
}

// ─── recurring ──────────────────────────────────────────────────────────────

var recurringCmd = &cobra.Command{
	Use:   "recurring",
	Short: "Manage recurring task obligations",
}

var recurringImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create obligations from a YAML file",
	Long: `Create obligations from a YAML file:

  obligations:
    - title: Take out the trash
      sats: 100
      frequency: weekly
      day_of_week: 1
      time_of_day: "07:00"
      assignee: <dependent account id>

Every entry is validated before anything is stored.`,
	Args: cobra.NoArgs,
	RunE: runRecurringImport,
}

func runRecurringImport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	guardian, _ := cmd.Flags().GetString("as")

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	created, err := d.Scheduler.Import(context.Background(), guardian, f)
	out := cmd.OutOrStdout()
	for _, o := range created {
		fmt.Fprintf(out, "created %s  %-8s %q (%d sats)\n", o.ID, o.Frequency, o.Title, o.Sats)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d obligations imported\n", len(created))
	return nil
}

// ─── failed ─────────────────────────────────────────────────────────────────

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect and resolve failed outbound payments",
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the family's failed payments",
	Args:  cobra.NoArgs,
	RunE:  runFailedList,
}

func runFailedList(cmd *cobra.Command, args []string) error {
	guardian, _ := cmd.Flags().GetString("as")
	status, _ := cmd.Flags().GetString("status")

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	list, err := d.Recovery.List(context.Background(), guardian, domain.FailedPaymentStatus(status))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No failed payments.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tSATS\tTO\tRETRIES\tERROR")
	for _, fp := range list {
		to := fp.RecipientName
		if to == "" {
			to = fp.ToAccount
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			fp.ID, fp.Status, fp.PaymentType, fp.Sats, to, fp.RetryCount, fp.Error)
	}
	return w.Flush()
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry ID",
	Short: "Retry a failed payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guardian, _ := cmd.Flags().GetString("as")
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.Recovery.Retry(context.Background(), guardian, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var failedCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Stop retrying a failed payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guardian, _ := cmd.Flags().GetString("as")
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		fp, err := d.Recovery.Cancel(context.Background(), guardian, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, fp)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
