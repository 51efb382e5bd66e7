package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentsh/sigguard/internal/store/sqlite"
	"github.com/agentsh/sigguard/pkg/types"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var (
		typesCSV string
		decision string
		since    string
		until    string
		pid      int
		pathLike string
		textLike string
		limit    int
		offset   int
		order    string
		dbPath   string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query recorded events from the local audit database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := loadLocalConfig(configPath(cmd))
				if err != nil {
					return fmt.Errorf("no --db-path given and config unavailable: %w", err)
				}
				dbPath = cfg.Audit.SQLitePath
			}
			q, err := buildEventQuery(typesCSV, decision, since, until, pid, pathLike, textLike, limit, offset, order)
			if err != nil {
				return err
			}

			st, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			evs, err := st.QueryEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, evs)
			}
			w := cmd.OutOrStdout()
			for _, ev := range evs {
				fmt.Fprintln(w, formatEvent(ev))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&typesCSV, "type", "", "Comma-separated event types")
	cmd.Flags().StringVar(&decision, "decision", "", "Policy decision filter (allow|deny)")
	cmd.Flags().StringVar(&since, "since", "", "Start time (RFC3339) or duration (e.g. 1h)")
	cmd.Flags().StringVar(&until, "until", "", "End time (RFC3339) or duration (e.g. 5m)")
	cmd.Flags().IntVar(&pid, "pid", 0, "Filter by target pid")
	cmd.Flags().StringVar(&pathLike, "path-like", "", "SQL LIKE pattern for path (e.g. %/sbin/%)")
	cmd.Flags().StringVar(&textLike, "text-like", "", "SQL LIKE pattern for raw JSON payload")
	cmd.Flags().IntVar(&limit, "limit", 200, "Result limit")
	cmd.Flags().IntVar(&offset, "offset", 0, "Result offset")
	cmd.Flags().StringVar(&order, "order", "desc", "Sort order: asc|desc")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite DB path (defaults to audit.sqlite_path)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func buildEventQuery(typesCSV, decision, since, until string, pid int, pathLike, textLike string, limit, offset int, order string) (types.EventQuery, error) {
	var q types.EventQuery
	if typesCSV != "" {
		for _, t := range strings.Split(typesCSV, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Types = append(q.Types, t)
			}
		}
	}
	if decision != "" {
		d := types.Decision(strings.ToLower(decision))
		if d != types.DecisionAllow && d != types.DecisionDeny {
			return q, fmt.Errorf("invalid --decision %q", decision)
		}
		q.Decision = &d
	}
	if since != "" {
		t, err := parseTimeOrAgo(since)
		if err != nil {
			return q, err
		}
		q.Since = &t
	}
	if until != "" {
		t, err := parseTimeOrAgo(until)
		if err != nil {
			return q, err
		}
		q.Until = &t
	}
	q.PID = pid
	q.PathLike = pathLike
	q.TextLike = textLike
	q.Limit = limit
	q.Offset = offset
	q.Asc = strings.EqualFold(order, "asc")
	return q, nil
}

func parseTimeOrAgo(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or a duration like 1h)", s)
	}
	return t, nil
}

func formatEvent(ev types.Event) string {
	var b strings.Builder
	b.WriteString(ev.Timestamp.Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(ev.Type)
	if ev.Policy != nil && ev.Policy.Decision != "" {
		fmt.Fprintf(&b, " [%s]", ev.Policy.Decision)
	}
	if ev.SigName != "" {
		fmt.Fprintf(&b, " %s", ev.SigName)
	}
	if ev.Path != "" {
		fmt.Fprintf(&b, " -> %s", ev.Path)
	}
	if ev.PID != 0 {
		fmt.Fprintf(&b, " pid=%d", ev.PID)
	}
	if ev.SenderPID != 0 {
		fmt.Fprintf(&b, " sender=%d", ev.SenderPID)
	}
	if ev.Policy != nil && ev.Policy.Rule != "" {
		fmt.Fprintf(&b, " rule=%s", ev.Policy.Rule)
	}
	return b.String()
}
