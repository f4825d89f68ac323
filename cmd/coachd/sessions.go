package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/haasonsaas/coachd/internal/config"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/haasonsaas/coachd/pkg/models"
	"github.com/spf13/cobra"
)

// buildSessionsCmd creates the "sessions" command group for inspecting the
// session store directly.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions and their event logs",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsEventsCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		owner      string
		status     string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := sessions.ListOptions{Limit: limit}
			if status != "" {
				opts.Status = models.SessionStatus(status)
				if !opts.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			store, err := openConfiguredStore(cmd, resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListSessions(cmd.Context(), owner, opts)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), list)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&owner, "owner", "", "Only list sessions of this owner")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, completed, error)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum sessions to list")
	return cmd
}

func buildSessionsEventsCmd() *cobra.Command {
	var (
		configPath string
		after      int64
		kinds      []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Print a session's event log in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := sessions.EventFilter{AfterSequence: after}
			for _, k := range kinds {
				kind := models.EventKind(strings.TrimSpace(k))
				if !kind.Valid() {
					return fmt.Errorf("unknown event kind %q", k)
				}
				filter.Kinds = append(filter.Kinds, kind)
			}
			store, err := openConfiguredStore(cmd, resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.Events(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, ev := range events {
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				return nil
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().Int64Var(&after, "after", 0, "Only show events after this sequence number")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Only show these event kinds (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as NDJSON")
	return cmd
}

func openConfiguredStore(cmd *cobra.Command, configPath string) (sessions.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Driver == "memory" {
		return nil, fmt.Errorf("database driver %q does not persist sessions between processes", cfg.Database.Driver)
	}
	return openStore(cmd.Context(), cfg.Database, slog.Default())
}

func printSessions(out io.Writer, list []*models.Session) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tSTATUS\tUPDATED\tCOST\tTITLE")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\t%s\n",
			s.ID, s.OwnerID, s.Status, s.UpdatedAt.UTC().Format("2006-01-02 15:04"), s.Usage.CostUSD, s.Title)
	}
	return w.Flush()
}

func printEvents(out io.Writer, events []*models.Event) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tTIME\tPAYLOAD")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.Sequence, ev.Kind, ev.CreatedAt.UTC().Format("15:04:05.000"), truncate(string(ev.Payload), 120))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
