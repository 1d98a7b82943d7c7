package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldledger/fieldledger/internal/daemon"
	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(expenseCmd)
	expenseCmd.AddCommand(expenseAddCmd)
	expenseCmd.AddCommand(expenseListCmd)
	expenseCmd.AddCommand(expenseShowCmd)
	expenseCmd.AddCommand(expenseSubmitCmd)

	expenseAddCmd.Flags().Int64("amount", 0, "Amount in minor currency units (e.g. cents)")
	expenseAddCmd.Flags().String("category", "", "Expense category")
	expenseAddCmd.Flags().String("vendor", "", "Vendor name")
	expenseAddCmd.Flags().String("description", "", "Free-text description")
	expenseAddCmd.Flags().String("date", time.Now().Format(time.DateOnly), "Expense date (YYYY-MM-DD)")
	expenseAddCmd.Flags().String("job", "", "Job reference")
	expenseAddCmd.Flags().String("receipt", "", "Path to a receipt image")

	expenseListCmd.Flags().String("sync-status", "", "Filter by sync status")
	expenseListCmd.Flags().String("approval-status", "", "Filter by approval status")
	expenseListCmd.Flags().String("job", "", "Filter by job reference")
}

var expenseCmd = &cobra.Command{
	Use:   "expense",
	Short: "Capture and inspect expenses",
}

// ─── expense add ────────────────────────────────────────────────────────────

var expenseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Capture a new expense",
	Long: `Capture a new expense into the local ledger. The record is stored
immediately and synced to the finance backend in the background; no
connection is needed at capture time.`,
	RunE: runExpenseAdd,
}

func runExpenseAdd(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	amount, _ := cmd.Flags().GetInt64("amount")
	category, _ := cmd.Flags().GetString("category")
	vendor, _ := cmd.Flags().GetString("vendor")
	description, _ := cmd.Flags().GetString("description")
	date, _ := cmd.Flags().GetString("date")
	job, _ := cmd.Flags().GetString("job")
	receipt, _ := cmd.Flags().GetString("receipt")

	if category == "" {
		return fmt.Errorf("--category is required (one of: %v)", domain.Categories())
	}

	body := map[string]interface{}{
		"amount_minor": amount,
		"category":     category,
		"vendor":       vendor,
		"description":  description,
		"expense_date": date,
		"job_ref":      job,
	}
	if receipt != "" {
		body["receipt_path"] = receipt
		body["receipt_content_type"] = contentTypeForFile(receipt)
	}

	var exp domain.Expense
	if err := client.call(http.MethodPost, "/api/expenses/", body, &exp); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "✅ Expense captured: %s\n", exp.LocalID)
	fmt.Fprintf(os.Stdout, "   %s  %s  %s\n", formatAmount(exp.AmountMinor), exp.Category, exp.ExpenseDate.Format(time.DateOnly))
	fmt.Fprintln(os.Stdout, "   Sync will happen in the background; check with: fieldledger sync --status")
	return nil
}

// ─── expense list ───────────────────────────────────────────────────────────

var expenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List expenses",
	Long: `List expenses from the local ledger. Works offline: when the daemon
is not running the store is read directly.`,
	RunE: runExpenseList,
}

func runExpenseList(cmd *cobra.Command, args []string) error {
	syncStatus, _ := cmd.Flags().GetString("sync-status")
	approvalStatus, _ := cmd.Flags().GetString("approval-status")
	job, _ := cmd.Flags().GetString("job")

	var expenses []domain.Expense
	client, err := newAPIClient(cmd)
	if err == nil {
		q := url.Values{}
		if syncStatus != "" {
			q.Set("sync_status", syncStatus)
		}
		if approvalStatus != "" {
			q.Set("approval_status", approvalStatus)
		}
		if job != "" {
			q.Set("job_ref", job)
		}
		var res struct {
			Expenses []domain.Expense `json:"expenses"`
		}
		if callErr := client.call(http.MethodGet, "/api/expenses/?"+q.Encode(), nil, &res); callErr == nil {
			expenses = res.Expenses
		} else {
			expenses, err = listFromStore(syncStatus, approvalStatus, job)
			if err != nil {
				return err
			}
		}
	} else {
		expenses, err = listFromStore(syncStatus, approvalStatus, job)
		if err != nil {
			return err
		}
	}

	if len(expenses) == 0 {
		fmt.Fprintln(os.Stdout, "No expenses found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tAMOUNT\tCATEGORY\tJOB\tSYNC\tAPPROVAL")
	for _, e := range expenses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(e.LocalID), e.ExpenseDate.Format(time.DateOnly),
			formatAmount(e.AmountMinor), e.Category, e.JobRef,
			e.SyncStatus, e.ApprovalStatus)
	}
	return w.Flush()
}

// listFromStore reads the local mirror directly, for offline use.
func listFromStore(syncStatus, approvalStatus, job string) ([]domain.Expense, error) {
	db, err := sqlite.Open(daemon.Home())
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.ListExpenses(sqlite.ExpenseFilter{
		SyncStatus:     domain.SyncStatus(syncStatus),
		ApprovalStatus: domain.ApprovalStatus(approvalStatus),
		JobRef:         job,
	})
}

// ─── expense show ───────────────────────────────────────────────────────────

var expenseShowCmd = &cobra.Command{
	Use:   "show EXPENSE_ID",
	Short: "Show one expense in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runExpenseShow,
}

func runExpenseShow(cmd *cobra.Command, args []string) error {
	var exp *domain.Expense
	client, err := newAPIClient(cmd)
	if err == nil {
		var e domain.Expense
		if callErr := client.call(http.MethodGet, "/api/expenses/"+args[0], nil, &e); callErr == nil {
			exp = &e
		}
	}
	if exp == nil {
		db, err := sqlite.Open(daemon.Home())
		if err != nil {
			return err
		}
		defer db.Close()
		exp, err = db.GetExpense(args[0])
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stdout, "Expense %s\n", exp.LocalID)
	fmt.Fprintf(os.Stdout, "  Amount:     %s\n", formatAmount(exp.AmountMinor))
	fmt.Fprintf(os.Stdout, "  Category:   %s\n", exp.Category)
	fmt.Fprintf(os.Stdout, "  Date:       %s\n", exp.ExpenseDate.Format(time.DateOnly))
	if exp.Vendor != "" {
		fmt.Fprintf(os.Stdout, "  Vendor:     %s\n", exp.Vendor)
	}
	if exp.JobRef != "" {
		fmt.Fprintf(os.Stdout, "  Job:        %s\n", exp.JobRef)
	}
	fmt.Fprintf(os.Stdout, "  Sync:       %s", exp.SyncStatus)
	if exp.LastError != "" {
		fmt.Fprintf(os.Stdout, " (%s)", exp.LastError)
	}
	fmt.Fprintln(os.Stdout)
	fmt.Fprintf(os.Stdout, "  Approval:   %s", exp.ApprovalStatus)
	if exp.RejectionReason != "" {
		fmt.Fprintf(os.Stdout, " (reason: %s)", exp.RejectionReason)
	}
	fmt.Fprintln(os.Stdout)
	if exp.DisbursementNo != "" {
		fmt.Fprintf(os.Stdout, "  Record No:  %s\n", exp.DisbursementNo)
	}
	return nil
}

// ─── expense submit ─────────────────────────────────────────────────────────

var expenseSubmitCmd = &cobra.Command{
	Use:   "submit EXPENSE_ID [EXPENSE_ID...]",
	Short: "Submit one or more synced expenses for approval",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExpenseSubmit,
}

func runExpenseSubmit(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		var res map[string]string
		if err := client.call(http.MethodPost, "/api/expenses/"+args[0]+"/submit", nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "✅ Submitted. Disbursement record: %s\n", res["record_number"])
		return nil
	}

	var res struct {
		Succeeded []string `json:"succeeded"`
		Failed    []struct {
			ID    string `json:"id"`
			Error string `json:"error"`
		} `json:"failed"`
	}
	if err := client.call(http.MethodPost, "/api/expenses/submit-batch",
		map[string]interface{}{"ids": args}, &res); err != nil {
		return err
	}

	for _, id := range res.Succeeded {
		fmt.Fprintf(os.Stdout, "✅ %s submitted\n", shortID(id))
	}
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stdout, "❌ %s: %s\n", shortID(f.ID), f.Error)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d submissions failed", len(res.Failed), len(args))
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// formatAmount renders minor units as a decimal string.
func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func contentTypeForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
