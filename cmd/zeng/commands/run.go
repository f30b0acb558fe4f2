package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/config"
	"github.com/zengraph/zengraph/pkg/session"
	"github.com/zengraph/zengraph/pkg/stores"
	"github.com/zengraph/zengraph/pkg/telemetry"
	"github.com/zengraph/zengraph/pkg/transports/ssh"
)

// runSummary is printed when a run command finishes.
type runSummary struct {
	Document       string `json:"document"`
	Begin          int    `json:"begin"`
	End            int    `json:"end"`
	Frames         int    `json:"frames"`
	MaxPlayedFrame int    `json:"max_played_frame"`
	ResidentFrames []int  `json:"resident_frames"`
	CacheDir       string `json:"cache_dir,omitempty"`
	Error          string `json:"error,omitempty"`
}

func newRunCommand() *cobra.Command {
	var (
		begin     int
		end       int
		cacheDir  string
		maxCached int
		storePath string
		savePath  string
	)

	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Evaluate a graph document over a frame range",
		Long: `Load a graph document and play its main graph over a frame range.

Every frame is produced by one run of the main graph at that frame id. View objects
and scene objects (lights, cameras, materials) are stored in the frame cache and
written to the cache directory as .zencache files.

When a mirror host is configured, every frame written to the cache directory is also
uploaded over SFTP, and frames that break are removed from the mirror.

Ctrl+C interrupts the run at the next node boundary.`,
		Example: `  # Play frames 1 to 100 into ./cache
  zeng run scene.yaml --begin 1 --end 100 --cache-dir ./cache

  # Keep at most 10 frames in memory and record runs in a ledger
  zeng run scene.cue --end 250 --cache-dir ./cache --max-cached 10 --store runs.db

  # Evaluate frame 0 only and save the loaded document as JSON
  zeng run scene.cue --save scene.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("begin") {
				cfg.Session.BeginFrame = begin
			}
			if cmd.Flags().Changed("end") {
				cfg.Session.EndFrame = end
			}
			if cfg.Session.EndFrame < cfg.Session.BeginFrame {
				cfg.Session.EndFrame = cfg.Session.BeginFrame
			}
			if cacheDir != "" {
				cfg.Cache.Dir = cacheDir
			}
			if cmd.Flags().Changed("max-cached") {
				cfg.Cache.MaxCachedFrames = maxCached
			}
			if storePath != "" {
				cfg.Store.Path = storePath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			summary, err := runDocument(cmd.Context(), cfg, args[0], savePath)
			if summary != nil {
				if jsonOutput {
					if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
						return perr
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "frames %d..%d: %d cached, max played %d\n",
						summary.Begin, summary.End, summary.Frames, summary.MaxPlayedFrame)
				}
			}
			return err
		},
	}

	cmd.Flags().IntVar(&begin, "begin", 0, "first frame (default from config)")
	cmd.Flags().IntVar(&end, "end", 0, "last frame (default from config)")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "frame cache directory")
	cmd.Flags().IntVar(&maxCached, "max-cached", 0, "memory-resident frame bound (0 is unbounded)")
	cmd.Flags().StringVar(&storePath, "store", "", "SQLite run ledger path")
	cmd.Flags().StringVar(&savePath, "save", "", "write the loaded document to this path (.yaml or .json)")

	return cmd
}

// runDocument builds a session for cfg, loads path and plays the configured frame range.
func runDocument(ctx context.Context, cfg *config.Config, path, savePath string) (*runSummary, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger.Zerolog()
	if err := tel.Metrics.Serve(ctx, logger); err != nil {
		return nil, err
	}

	scfg := session.FromConfig(cfg)
	scfg.AutoRun = false
	scfg.Telemetry = tel
	sess, err := session.New(scfg, logger)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var recorders cache.MultiRecorder
	if cfg.Store.Path != "" {
		store, err := stores.Open(ctx, stores.Config{Path: cfg.Store.Path, MaxOpenConns: cfg.Store.MaxOpenConns})
		if err != nil {
			return nil, fmt.Errorf("failed to open run ledger: %w", err)
		}
		defer store.Close()
		sess.Recorder = store
		sess.PersistEvents(store)
		recorders = append(recorders, store)
	}
	if opts := cfg.MirrorOptions(); opts != nil {
		client, err := ssh.NewClient(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure frame mirror: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect frame mirror: %w", err)
		}
		mirror := ssh.NewMirror(client, logger)
		defer mirror.Close()
		recorders = append(recorders, mirror)
	}
	switch len(recorders) {
	case 0:
	case 1:
		sess.Cache().Recorder = recorders[0]
	default:
		sess.Cache().Recorder = recorders
	}
	if cfg.Cache.Watch {
		if err := sess.WatchCache(ctx); err != nil {
			return nil, err
		}
	}

	doc, err := config.LoadDocument(path)
	if err != nil {
		return nil, err
	}
	if err := sess.LoadDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", path, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			sess.Interrupt()
		case <-stop:
		}
	}()

	begin, end := cfg.Session.BeginFrame, cfg.Session.EndFrame
	log.Info().Str("document", path).Int("begin", begin).Int("end", end).Msg("Playing frames")
	runErr := sess.RunFrames(context.WithoutCancel(ctx), begin, end)

	c := sess.Cache()
	summary := &runSummary{
		Document:       path,
		Begin:          begin,
		End:            end,
		Frames:         c.NumFrames(),
		MaxPlayedFrame: c.MaxPlayedFrame(),
		ResidentFrames: c.ResidentFrames(),
		CacheDir:       cfg.Cache.Dir,
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	if savePath != "" {
		if err := config.SaveDocument(savePath, sess.Document()); err != nil {
			return summary, err
		}
		log.Info().Str("path", savePath).Msg("Document saved")
	}
	return summary, runErr
}
