package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/store"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect scheduled messages",
	}

	cmd.AddCommand(newScheduleDueCmd())
	cmd.AddCommand(newScheduleListCmd())
	return cmd
}

func newScheduleDueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "due",
		Short: "List scheduled messages the next dispatch run would pick up",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(configPath)
			if err != nil {
				return err
			}
			msgs, err := st.Due(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			printScheduled(cmd.OutOrStdout(), msgs)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending scheduled messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(configPath)
			if err != nil {
				return err
			}
			msgs, err := st.Find(cmd.Context(), store.Filter{
				SessionID: sessionID,
				Scheduled: store.Bool(true),
				Statuses:  []string{models.StatusPending},
			}, store.Page{Order: "scheduled_time ASC, id ASC"})
			if err != nil {
				return err
			}
			printScheduled(cmd.OutOrStdout(), msgs)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&sessionID, "session", "", "only messages for this session id")
	return cmd
}

func printScheduled(out io.Writer, msgs []models.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No scheduled messages.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tTO\tTYPE\tSCHEDULED (UTC)\tSTATUS")
	for _, m := range msgs {
		at := "-"
		if m.ScheduledTime != nil {
			at = m.ScheduledTime.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.SessionID, m.ReceiverMobile, m.ContentType, at, m.ScheduledStatus)
	}
	w.Flush()
}
