package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zengraph/zengraph/pkg/config"
	"github.com/zengraph/zengraph/pkg/policy"
	"github.com/zengraph/zengraph/pkg/session"
)

type validateResult struct {
	Document string                   `json:"document"`
	Valid    bool                     `json:"valid"`
	Assets   int                      `json:"assets"`
	Nodes    int                      `json:"nodes"`
	Ran      bool                     `json:"ran,omitempty"`
	Frame    int                      `json:"frame,omitempty"`
	Errors   []config.ValidationError `json:"errors,omitempty"`
	Policy   *policy.Result           `json:"policy,omitempty"`
	DOT      string                   `json:"dot,omitempty"`
}

type validateOptions struct {
	run          bool
	frame        int
	policyPaths  []string
	skipPolicies []string
	dot          bool
}

func newValidateCommand() *cobra.Command {
	var (
		opts       validateOptions
		showSchema bool
	)

	cmd := &cobra.Command{
		Use:   "validate [document]",
		Short: "Validate a graph document",
		Long: `Check a graph document against the document schema and build its graph.

Building resolves every node class, link and asset without evaluating anything.
Before building, the document is checked against the built-in Rego policies and
any policies given with --policy. Error and critical violations fail validation.
With --run the main graph is also evaluated once, in memory, at --frame.`,
		Example: `  # Check a document
  zeng validate scene.yaml

  # Build and evaluate frame 12
  zeng validate scene.cue --run --frame 12

  # Add site policies and skip the view-node check
  zeng validate scene.yaml --policy ./policies --skip-policy view-node

  # Render the main graph for Graphviz
  zeng validate scene.yaml --dot | dot -Tsvg > scene.svg

  # Print the CUE schema documents are checked against
  zeng validate --schema`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if showSchema {
				fmt.Fprintln(cmd.OutOrStdout(), config.Schema())
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("a document path is required")
			}

			res, err := validateDocument(cmd, args[0], opts)
			if jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			}
			if res.Policy != nil {
				for _, v := range res.Policy.Violations {
					fmt.Fprintf(cmd.ErrOrStderr(), "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
				}
			}
			if err != nil {
				for _, ve := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", ve.Error())
				}
				return err
			}
			if opts.dot {
				fmt.Fprint(cmd.OutOrStdout(), res.DOT)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d assets, %d nodes)\n", res.Document, res.Assets, res.Nodes)
			if res.Ran {
				fmt.Fprintf(cmd.OutOrStdout(), "frame %d evaluated\n", res.Frame)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.run, "run", false, "evaluate the main graph once after building it")
	cmd.Flags().IntVar(&opts.frame, "frame", 0, "frame id used by --run")
	cmd.Flags().StringSliceVar(&opts.policyPaths, "policy", nil, "Rego policy files or directories")
	cmd.Flags().StringSliceVar(&opts.skipPolicies, "skip-policy", nil, "policies to disable")
	cmd.Flags().BoolVar(&opts.dot, "dot", false, "print the main graph in Graphviz DOT format")
	cmd.Flags().BoolVar(&showSchema, "schema", false, "print the document schema and exit")

	return cmd
}

func validateDocument(cmd *cobra.Command, path string, opts validateOptions) (*validateResult, error) {
	res := &validateResult{Document: path}

	doc, err := config.LoadDocument(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			res.Errors = verrs
		} else {
			res.Errors = []config.ValidationError{{File: path, Message: err.Error()}}
		}
		return res, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return res, err
	}
	scfg := session.FromConfig(cfg)
	scfg.AutoRun = false
	scfg.Cache.Dir = ""
	scfg.Cache.MinFreeMB = -1
	sess, err := session.New(scfg, zerolog.Nop())
	if err != nil {
		return res, err
	}
	defer sess.Close()

	if err := checkPolicies(cmd, res, doc, sess.Env().Classes.Names(), opts); err != nil {
		return res, err
	}

	if err := sess.LoadDocument(cmd.Context(), doc); err != nil {
		res.Errors = []config.ValidationError{{File: path, Message: err.Error()}}
		return res, err
	}
	res.Assets = len(doc.Assets)
	res.Nodes = sess.Graph().Len()

	if opts.run {
		sess.SetFrameID(opts.frame)
		if err := sess.Run(cmd.Context()); err != nil {
			res.Errors = []config.ValidationError{{File: path, Message: err.Error()}}
			return res, fmt.Errorf("frame %d: %w", opts.frame, err)
		}
		res.Ran = true
		res.Frame = opts.frame
	}
	if opts.dot {
		res.DOT = sess.Graph().ToDOT()
	}

	res.Valid = true
	return res, nil
}

// checkPolicies evaluates the document policies and records the result in res.
func checkPolicies(cmd *cobra.Command, res *validateResult, doc *config.GraphDocument, classes []string, opts validateOptions) error {
	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return err
	}
	if len(opts.policyPaths) > 0 {
		if err := eng.LoadPolicies(cmd.Context(), opts.policyPaths); err != nil {
			return err
		}
	}
	for _, name := range opts.skipPolicies {
		if err := eng.DisablePolicy(name); err != nil {
			return err
		}
	}

	result, err := eng.Evaluate(cmd.Context(), &policy.Input{Document: doc, Classes: classes})
	if err != nil {
		return err
	}
	res.Policy = result
	if !result.Allowed {
		return fmt.Errorf("%s violates document policies", res.Document)
	}
	return nil
}
