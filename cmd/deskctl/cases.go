package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

var (
	caseWatch  bool
	caseTitle  string
	caseStatus string
	caseOwner  string
	caseNotes  string
)

func init() {
	rootCmd.AddCommand(caseCmd)
	caseCmd.AddCommand(caseViewCmd, caseUpdateCmd, caseCreateCmd)

	caseViewCmd.Flags().BoolVarP(&caseWatch, "watch", "w", false, "keep printing updates")
	for _, c := range []*cobra.Command{caseUpdateCmd, caseCreateCmd} {
		c.Flags().StringVar(&caseTitle, "title", "", "case title")
		c.Flags().StringVar(&caseStatus, "status", "", "open, in_progress or closed")
		c.Flags().StringVar(&caseOwner, "assignee", "", "assignee identity id")
		c.Flags().StringVar(&caseNotes, "notes", "", "free-form notes")
	}
}

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "View and edit cases",
}

var caseViewCmd = &cobra.Command{
	Use:   "view <caseId>",
	Short: "Show a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		var onChange func(domain.Case)
		if caseWatch {
			onChange = func(c domain.Case) { printCase(cmd, c) }
		}
		view, err := client.Cases.View(ctx, args[0], onChange)
		if err != nil {
			return err
		}
		defer view.Close()

		if !caseWatch {
			printCase(cmd, view.Current())
			return nil
		}
		<-ctx.Done()
		return nil
	},
}

var caseUpdateCmd = &cobra.Command{
	Use:   "update <caseId>",
	Short: "Edit a case and notify its viewers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()

		patch := patchFromFlags(cmd)
		if err := patch.Validate(); err != nil {
			return err
		}

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		c, err := client.Cases.Update(ctx, args[0], patch)
		if err != nil {
			return err
		}
		printCase(cmd, c)
		return nil
	},
}

var caseCreateCmd = &cobra.Command{
	Use:   "create [caseId]",
	Short: "Create a case",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()

		api, _, err := apiClient()
		if err != nil {
			return err
		}

		c := domain.Case{Title: caseTitle, Status: caseStatus, AssigneeID: caseOwner, Notes: caseNotes}
		if len(args) == 1 {
			c.ID = args[0]
		}
		created, err := api.CreateCase(ctx, c)
		if err != nil {
			return err
		}
		printCase(cmd, created)
		return nil
	},
}

func patchFromFlags(cmd *cobra.Command) domain.CasePatch {
	var p domain.CasePatch
	if cmd.Flags().Changed("title") {
		p.Title = &caseTitle
	}
	if cmd.Flags().Changed("status") {
		p.Status = &caseStatus
	}
	if cmd.Flags().Changed("assignee") {
		p.AssigneeID = &caseOwner
	}
	if cmd.Flags().Changed("notes") {
		p.Notes = &caseNotes
	}
	return p
}

func printCase(cmd *cobra.Command, c domain.Case) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "case %s  [%s]  %s\n", c.ID, c.Status, c.Title)
	if c.AssigneeID != "" {
		fmt.Fprintf(out, "  assignee: %s\n", c.AssigneeID)
	}
	if c.Notes != "" {
		fmt.Fprintf(out, "  notes:    %s\n", c.Notes)
	}
	fmt.Fprintf(out, "  updated:  %s\n", clock(c.UpdatedAt))
}
