package main

import (
    "fmt"
    "io"
    "strconv"

    "github.com/charmbracelet/lipgloss"
    "github.com/spf13/cobra"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/eventlog"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
)

// eventsConfig holds the flags of the events command.
type eventsConfig struct {
    db    string
    kind  string
    node  uint32
    task  uint32
    limit int
}

// newEventsCmd creates the "events" subcommand, which reads the local
// timeline written by a running device.
func newEventsCmd(opts *Options) *cobra.Command {
    var cfg eventsConfig
    cmd := &cobra.Command{
        Use:   "events",
        Short: "Show the coordination timeline from the SQLite event log",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, _ []string) error {
            path := cfg.db
            if path == "" {
                c, err := config.Load(opts.ConfigPath)
                if err != nil { return fmt.Errorf("load config: %w", err) }
                path = c.EventLog.SQLitePath
            }
            if path == "" { return fmt.Errorf("no event log: pass --db or set eventlog.sqlite_path") }

            r, err := eventlog.NewReader(path)
            if err != nil { return err }
            defer r.Close()
            recs, err := r.Query(cmd.Context(), eventlog.QueryOpts{
                Kind:   observability.EventKind(cfg.kind),
                NodeID: cfg.node,
                TaskID: cfg.task,
                Limit:  cfg.limit,
                Newest: true,
            })
            if err != nil { return err }
            printEvents(cmd.OutOrStdout(), recs)
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfg.db, "db", "", "event log path (default: eventlog.sqlite_path from config)")
    f.StringVar(&cfg.kind, "kind", "", "only events of this kind")
    f.Uint32Var(&cfg.node, "node", 0, "only events about this node")
    f.Uint32Var(&cfg.task, "task", 0, "only events about this task")
    f.IntVar(&cfg.limit, "limit", 50, "number of recent events to show")
    return cmd
}

func printEvents(w io.Writer, recs []eventlog.Record) {
    if len(recs) == 0 {
        fmt.Fprintln(w, mutedStyle.Render("no events"))
        return
    }
    t := &table{
        headers: []string{"SEQ", "AT", "DEVICE", "KIND", "NODE", "TASK", "DETAIL"},
        style: func(col int, v string) lipgloss.Style {
            if col != 3 { return cellStyle }
            switch observability.EventKind(v) {
            case observability.EventNodeFailed, observability.EventTaskFailed, observability.EventTaskTimedOut, observability.EventEmergency, observability.EventConfigRejected:
                return badStyle
            case observability.EventRoleTransition, observability.EventCoordinatorTransition, observability.EventCoordinatorFollowed, observability.EventElection:
                return warnStyle
            }
            return cellStyle
        },
    }
    // oldest first on screen
    for i := len(recs) - 1; i >= 0; i-- {
        e := recs[i].Event
        t.add(
            strconv.FormatInt(recs[i].Seq, 10),
            strconv.FormatUint(uint64(e.At), 10),
            strconv.FormatUint(uint64(e.Device), 10),
            string(e.Kind),
            optional(e.NodeID),
            optional(e.TaskID),
            detail(e),
        )
    }
    fmt.Fprintln(w, t.String())
}

func optional(v uint32) string {
    if v == 0 { return "-" }
    return strconv.FormatUint(uint64(v), 10)
}

func detail(e observability.Event) string {
    s := e.Reason
    if e.From != "" || e.To != "" {
        tr := e.From + " -> " + e.To
        if s == "" { s = tr } else { s = tr + " (" + s + ")" }
    }
    if e.AffectedTasks > 0 { s += fmt.Sprintf(" [%d tasks]", e.AffectedTasks) }
    return s
}
