package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/models"
)

// accountsCmd represents the accounts command
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage accounts",
	Long:  `Commands for listing accounts and their credential sessions.`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountsList,
}

var accountsLoginCmd = &cobra.Command{
	Use:   "login <account>",
	Short: "Record a session handshake",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsLogin,
}

var accountsLogoutCmd = &cobra.Command{
	Use:   "logout <account>",
	Short: "Delete an account's session",
	Long:  `Remove the account's session material. Refused while a run for the account is active.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsLogout,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsLoginCmd)
	accountsCmd.AddCommand(accountsLogoutCmd)
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	var accounts []*models.Account
	if err := doRequest("GET", "/accounts", nil, &accounts); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(accounts)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Account", "Session", "Updated", "Error")
	for _, acct := range accounts {
		errDisplay := "-"
		if acct.LastError != "" {
			errDisplay = acct.LastError
		}
		updated := "-"
		if !acct.UpdatedAt.IsZero() {
			updated = acct.UpdatedAt.Local().Format(time.RFC3339)
		}
		table.Append(acct.Name, string(acct.Status), updated, errDisplay)
	}
	table.Render()
	return nil
}

func runAccountsLogin(cmd *cobra.Command, args []string) error {
	var acct models.Account
	if err := doRequest("POST", "/accounts/"+args[0]+"/login", nil, &acct); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(acct)
	}
	fmt.Printf("Account %s: %s\n", acct.Name, acct.Status)
	return nil
}

func runAccountsLogout(cmd *cobra.Command, args []string) error {
	var acct models.Account
	if err := doRequest("POST", "/accounts/"+args[0]+"/logout", nil, &acct); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(acct)
	}
	fmt.Printf("Account %s logged out\n", acct.Name)
	return nil
}
