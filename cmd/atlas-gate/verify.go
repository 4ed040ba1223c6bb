package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atlas-gate/atlas-gate/internal/audit"
	"github.com/atlas-gate/atlas-gate/internal/planreg"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <workspace-root>",
	Short: "Re-verify a workspace's audit log and plan files",
	Long: `Re-scan a workspace's audit log hash chain and re-check every
plan file's content-addressed filename, the same checks verify_integrity
runs inside a live session.

Exit code 0: both checks passed.
Exit code 1: the audit log or plans directory could not be read.
Exit code 2: either check found a failure (details printed to stderr).`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	root := args[0]

	auditPath := filepath.Join(root, ".atlas-gate", "audit.log")
	auditValid, auditFailures, err := audit.New(auditPath, 0).Verify()
	if err != nil {
		return fmt.Errorf("verifying audit log: %w", err)
	}
	for _, f := range auditFailures {
		fmt.Fprintf(os.Stderr, "audit: %s\n", f)
	}

	plansDir := filepath.Join(root, "docs", "plans")
	plansValid, planFailures, err := planreg.VerifyAll(plansDir)
	if err != nil {
		return fmt.Errorf("verifying plans: %w", err)
	}
	for _, f := range planFailures {
		fmt.Fprintf(os.Stderr, "plan: %s\n", f)
	}

	if !auditValid || !plansValid {
		os.Exit(2)
	}

	fmt.Println("ok: audit log and plan files verified")
	return nil
}
