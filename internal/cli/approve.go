package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(resubmitCmd)

	rejectCmd.Flags().String("reason", "", "Reason for rejecting (required)")
}

var approveCmd = &cobra.Command{
	Use:   "approve EXPENSE_ID",
	Short: "Approve a pending expense",
	Long: `Approve an expense that is pending approval. Requires an approver
role (owner, director, or finance manager); the role is verified
against the finance backend at the time of the call.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	if err := client.call(http.MethodPost, "/api/expenses/"+args[0]+"/approve", nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "✅ Expense %s approved.\n", shortID(args[0]))
	return nil
}

var rejectCmd = &cobra.Command{
	Use:   "reject EXPENSE_ID",
	Short: "Reject a pending expense",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

func runReject(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	if reason == "" {
		return fmt.Errorf("--reason is required: fieldledger reject %s --reason \"...\"", args[0])
	}

	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	if err := client.call(http.MethodPost, "/api/expenses/"+args[0]+"/reject",
		map[string]string{"reason": reason}, nil); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "✅ Expense %s rejected: %s\n", shortID(args[0]), reason)
	return nil
}

var resubmitCmd = &cobra.Command{
	Use:   "resubmit EXPENSE_ID",
	Short: "Resubmit a rejected expense for approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runResubmit,
}

func runResubmit(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var res map[string]string
	if err := client.call(http.MethodPost, "/api/expenses/"+args[0]+"/resubmit", nil, &res); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "✅ Expense %s resubmitted. Disbursement record: %s\n",
		shortID(args[0]), res["record_number"])
	return nil
}
