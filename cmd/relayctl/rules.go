package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"relay/internal/rules"
	"relay/internal/util"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage group rule sets",
	}
	cmd.AddCommand(rulesImportCmd(), rulesAddHelpdeskCmd(), rulesSetRecipientCmd(), rulesShowCmd())
	return cmd
}

func rulesImportCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Validate a rule file and upsert its groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d groups valid\n", args[0], len(groups))
				return nil
			}
			s, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			if err := rules.Import(cmd.Context(), s, groups, util.NowUTC()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d groups\n", len(groups))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	return cmd
}

func rulesAddHelpdeskCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "add-helpdesk",
		Short: "Add the #helpdesk rule to every group that lacks it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				to = os.Getenv("HELPDESK_EMAIL")
			}
			s, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			changed, err := rules.AddHelpdeskRule(cmd.Context(), s, to, util.NowUTC())
			for _, id := range changed {
				fmt.Fprintf(cmd.OutOrStdout(), "updated group %s\n", id)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient for the new rule's EMAIL action (default $HELPDESK_EMAIL)")
	return cmd
}

func rulesSetRecipientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-recipient [email]",
		Short: "Point every EMAIL action at one recipient (default $HELPDESK_EMAIL)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := os.Getenv("HELPDESK_EMAIL")
			if len(args) == 1 {
				to = args[0]
			}
			if to == "" {
				return fmt.Errorf("no recipient given and HELPDESK_EMAIL is empty")
			}
			s, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			changed, err := rules.SetEmailRecipient(cmd.Context(), s, to, util.NowUTC())
			fmt.Fprintf(cmd.OutOrStdout(), "%d groups now mail %s\n", len(changed), to)
			return err
		},
	}
}

func rulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [groupId]",
		Short: "Print one group, or all groups, as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			if len(args) == 1 {
				g, err := s.FindGroupByID(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("group %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), g)
			}
			groups, err := s.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), groups)
		},
	}
}
