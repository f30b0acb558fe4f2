package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/objects"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect frame cache files",
		Long: `Inspect a frame cache directory written by "zeng run".

Every frame has a directory named by its zero-padded frame id holding one .zencache
file per object class and a viewobjs.index file mapping view keys to classes.`,
	}

	cmd.AddCommand(newCacheInspectCommand())
	cmd.AddCommand(newCacheIndexCommand())
	cmd.AddCommand(newCacheListCommand())

	return cmd
}

type zenEntry struct {
	Key   string `json:"key"`
	Bytes uint64 `json:"bytes"`
	Type  string `json:"type,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func newCacheInspectCommand() *cobra.Command {
	var decode bool

	cmd := &cobra.Command{
		Use:   "inspect <file.zencache>",
		Short: "List the keys of a .zencache file",
		Example: `  zeng cache inspect ./cache/000012/normalObjs.zencache
  zeng cache inspect ./cache/000012/lightCameraObjs.zencache --decode --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			if len(data) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: empty class group\n", args[0])
				return nil
			}
			hdr, err := cache.ReadHeader(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			entries := make([]zenEntry, len(hdr.Keys))
			for i, key := range hdr.Keys {
				entries[i] = zenEntry{Key: key, Bytes: hdr.Offsets[i+1] - hdr.Offsets[i]}
			}
			if decode {
				objs, err := cache.DecodeObjects(data, objects.NewMsgpackCodec())
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				for i := range entries {
					obj := objs[entries[i].Key]
					entries[i].Type = strings.TrimPrefix(fmt.Sprintf("%T", obj), "*objects.")
					entries[i].Kind = objects.KindOf(obj)
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if decode {
				fmt.Fprintln(w, "KEY\tBYTES\tTYPE\tKIND")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Key, e.Bytes, e.Type, e.Kind)
				}
			} else {
				fmt.Fprintln(w, "KEY\tBYTES")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%d\n", e.Key, e.Bytes)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&decode, "decode", false, "decode each object with the built-in codec")

	return cmd
}

func newCacheIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "index <frame-dir>",
		Short:   "Print the view object index of a frame directory",
		Example: `  zeng cache index ./cache/000012`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(args[0], cache.IndexFile)
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			index := cache.ParseIndex(data)

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), index)
			}
			keys := make([]string, 0, len(index))
			for k := range index {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tFILE")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, index[k])
			}
			return w.Flush()
		},
	}
}

type frameDirInfo struct {
	Frame int              `json:"frame"`
	Dir   string           `json:"dir"`
	Files map[string]int64 `json:"files"`
	Bytes int64            `json:"bytes"`
}

func newCacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls <cache-dir>",
		Short:   "List the frame directories of a cache root",
		Example: `  zeng cache ls ./cache`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frames, err := listFrameDirs(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), frames)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FRAME\tFILES\tBYTES")
			for _, f := range frames {
				fmt.Fprintf(w, "%d\t%d\t%d\n", f.Frame, len(f.Files), f.Bytes)
			}
			return w.Flush()
		},
	}
}

// listFrameDirs returns the frame directories under root ordered by frame id.
func listFrameDirs(root string) ([]frameDirInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache dir %s: %w", root, err)
	}

	var frames []frameDirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil || cache.FrameDirName(id) != e.Name() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame dir %s: %w", dir, err)
		}
		info := frameDirInfo{Frame: id, Dir: dir, Files: make(map[string]int64, len(files))}
		for _, f := range files {
			fi, err := f.Info()
			if err != nil || fi.IsDir() {
				continue
			}
			info.Files[f.Name()] = fi.Size()
			info.Bytes += fi.Size()
		}
		frames = append(frames, info)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Frame < frames[j].Frame })
	return frames, nil
}
