package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsPurgeCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session directories and their owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			owners, err := session.LoadOwnerMap(cfg.Sessions.OwnerFile)
			if err != nil {
				return err
			}
			dirs, err := session.SessionDirs(cfg.Sessions.Root)
			if err != nil {
				return err
			}

			seen := make(map[string]bool)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tOWNER\tCREDENTIALS")
			for _, id := range dirs {
				seen[id] = true
				owner, ok := owners.Get(id)
				if !ok {
					owner = session.UserFromID(id) + " (from id)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, owner, "yes")
			}
			for _, id := range owners.IDs() {
				if seen[id] {
					continue
				}
				owner, _ := owners.Get(id)
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, owner, "missing")
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSessionsPurgeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "purge <session-id>",
		Short: "Remove a session's credentials and ownership record",
		Long: `Deletes the session's credential directory and its entry in the ownership
file. Run it only while the gateway is stopped; the session must be paired
again afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			owners, err := session.LoadOwnerMap(cfg.Sessions.OwnerFile)
			if err != nil {
				return err
			}
			if err := session.Purge(cfg.Sessions.Root, owners, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
