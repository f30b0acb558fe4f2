package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/stores"
)

// storePathFlag is shared by the ledger subcommands.
var storePathFlag string

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Query the run ledger",
		Long: `Query the SQLite ledger written by "zeng run --store".

The ledger records one row per run of the main graph, one row per frame of the frame
cache and the persisted run, frame and asset events.`,
	}

	cmd.PersistentFlags().StringVar(&storePathFlag, "store", "", "SQLite run ledger path (default from config)")

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsPruneCommand())
	cmd.AddCommand(newRunsFramesCommand())
	cmd.AddCommand(newRunsEventsCommand())

	return cmd
}

// openLedger opens the ledger named by --store or the config.
func openLedger(cmd *cobra.Command) (stores.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := storePathFlag
	if path == "" {
		path = cfg.Store.Path
	}
	if path == "" {
		return nil, fmt.Errorf("no run ledger configured, pass --store")
	}
	return stores.Open(cmd.Context(), stores.Config{Path: path, MaxOpenConns: cfg.Store.MaxOpenConns})
}

func newRunsListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List recorded runs, newest first",
		Example: `  zeng runs list --store runs.db --limit 20`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFRAME\tSTATUS\tNODES\tDURATION\tERROR")
			for _, r := range runs {
				msg := ""
				if r.Error != nil {
					msg = *r.Error
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
					r.ID, r.Frame, r.Status, r.NodesApplied, r.Duration.Round(time.Microsecond), msg)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show RUN_ID",
		Short:   "Show one recorded run",
		Example: `  zeng runs show 5f0c9a4e-... --store runs.db`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), run)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:      %s\n", run.ID)
			fmt.Fprintf(out, "Frame:    %d\n", run.Frame)
			fmt.Fprintf(out, "Status:   %s\n", run.Status)
			fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Duration: %s\n", run.Duration.Round(time.Microsecond))
			fmt.Fprintf(out, "Applied:  %d nodes\n", run.NodesApplied)
			if run.Error != nil {
				fmt.Fprintf(out, "Error:    %s\n", *run.Error)
			}
			if run.FailedNode != nil {
				fmt.Fprintf(out, "Node:     %s\n", *run.FailedNode)
			}
			return nil
		},
	}
}

func newRunsPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete runs older than a given age",
		Example: `  zeng runs prune --store runs.db --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			store, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int64{"pruned": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of the runs to delete")

	return cmd
}

func newRunsFramesCommand() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:     "frames",
		Short:   "List recorded frames",
		Example: `  zeng runs frames --store runs.db --state broken`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *engine.FrameState
			if state != "" {
				fs := engine.FrameState(state)
				if err := fs.Validate(); err != nil {
					return err
				}
				filter = &fs
			}

			store, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			frames, err := store.ListFrames(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), frames)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FRAME\tSTATE\tOBJECTS\tBYTES\tDIR")
			for _, f := range frames {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", f.Frame, f.State, f.Objects, f.Bytes, f.Dir)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only frames in this state (unfinished, completed, broken)")

	return cmd
}

func newRunsEventsCommand() *cobra.Command {
	var (
		topic  string
		runID  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List persisted events",
		Example: `  zeng runs events --store runs.db --topic run.failed
  zeng runs events --store runs.db --run 5f0c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var topicFilter, runFilter *string
			if topic != "" {
				topicFilter = &topic
			}
			if runID != "" {
				runFilter = &runID
			}
			events, err := store.GetEvents(cmd.Context(), topicFilter, runFilter, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), events)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTOPIC\tFRAME\tNAME\tMESSAGE")
			for _, e := range events {
				frame, name, msg := "", "", ""
				if e.Frame != nil {
					frame = fmt.Sprint(*e.Frame)
				}
				if e.Name != nil {
					name = *e.Name
				}
				if e.Message != nil {
					msg = *e.Message
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Topic, frame, name, msg)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "only events of this topic")
	cmd.Flags().StringVar(&runID, "run", "", "only events of this run id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}
