package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/checkpoint"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/data"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/model"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/train"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCLI().ExecuteContext(ctx); err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", cfgErr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "rubikgpt",
		Short:         "Character-level GPT trainer for cube and puzzle action sequences",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.AddCommand(
		newTrainCmd(),
		newEvalCmd(),
		newSampleCmd(),
		newRunsCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// resolveConfig builds the run configuration from the layered sources:
// built-in defaults, the dataset profile, process environment, then the
// --set overrides from the command line, later layers winning.
func resolveConfig(dataset string, overrides []string) (config.RunConfig, error) {
	cli, err := config.ParseOverrides(overrides)
	if err != nil {
		return config.RunConfig{}, err
	}
	return config.Resolve(dataset, config.FromEnv(), cli)
}

func newTrainCmd() *cobra.Command {
	var (
		dataset   string
		overrides []string
		resume    string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a dataset profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(dataset, overrides)
			if err != nil {
				return err
			}
			runner := &train.Runner{Cfg: cfg, Out: cmd.OutOrStdout(), ResumePath: resume}
			res, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[system] best val loss %.4f, checkpoints in %s\n", res.BestValLoss, res.RunDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "cube_structure", "Dataset profile: "+strings.Join(config.ProfileIDs(), ", "))
	cmd.Flags().StringArrayVarP(&overrides, "set", "s", nil, "Config override KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&resume, "resume", "", "Path to a ckpt.json to resume from")
	return cmd
}

func newEvalCmd() *cobra.Command {
	var (
		dataset    string
		overrides  []string
		ckptPath   string
		alwaysSave bool
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a checkpoint without training",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides = append(overrides, "EVAL_ONLY=true")
			if alwaysSave {
				overrides = append(overrides, "ALWAYS_SAVE_CHECKPOINT=true")
			}
			cfg, err := resolveConfig(dataset, overrides)
			if err != nil {
				return err
			}
			runner := &train.Runner{Cfg: cfg, Out: cmd.OutOrStdout(), ResumePath: ckptPath}
			_, err = runner.Run(cmd.Context())
			if errors.Is(err, train.ErrEvalOnlyNoCheckpoint) {
				return fmt.Errorf("no checkpoint found under %s; train first or pass --checkpoint", cfg.OutputRoot)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "cube_structure", "Dataset profile: "+strings.Join(config.ProfileIDs(), ", "))
	cmd.Flags().StringArrayVarP(&overrides, "set", "s", nil, "Config override KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&ckptPath, "checkpoint", "", "Checkpoint to evaluate (default: newest run)")
	cmd.Flags().BoolVar(&alwaysSave, "save", false, "Re-save the checkpoint even without improvement")
	return cmd
}

func newSampleCmd() *cobra.Command {
	var (
		ckptPath    string
		outputRoot  string
		maxTokens   int
		temperature float64
		topK        int
		seed        int64
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate action rows from a trained checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ckptPath
			if path == "" {
				info, ok := checkpoint.LatestRun(outputRoot)
				if !ok {
					return fmt.Errorf("no checkpoint found under %s; train first or pass --checkpoint", outputRoot)
				}
				path = filepath.Join(info.Path, checkpoint.FileName)
			}
			rec, err := checkpoint.LoadPath(path)
			if err != nil {
				return err
			}
			codec, err := data.CodecFromVocab(rec.Vocab)
			if err != nil {
				return err
			}
			gpt, err := model.FromState(model.Config{
				NLayer:    rec.RunConfig.Model.NLayer,
				NHead:     rec.RunConfig.Model.NHead,
				NEmbd:     rec.RunConfig.Model.NEmbd,
				BlockSize: rec.RunConfig.BlockSize,
				VocabSize: codec.VocabSize(),
				Dropout:   rec.RunConfig.Model.Dropout,
				Bias:      rec.RunConfig.Model.Bias,
			}, rec.ModelState)
			if err != nil {
				return err
			}

			if maxTokens <= 0 {
				maxTokens = rec.RunConfig.BlockSize
			}
			rng := rand.New(rand.NewSource(seed))
			ids := gpt.Generate(codec.BosID, maxTokens, temperature, topK, rng)
			fmt.Fprintln(cmd.OutOrStdout(), codec.Decode(ids))
			return nil
		},
	}
	cmd.Flags().StringVar(&ckptPath, "checkpoint", "", "Checkpoint to sample from (default: newest run)")
	cmd.Flags().StringVar(&outputRoot, "output-root", "out", "Run directory root searched for checkpoints")
	cmd.Flags().IntVarP(&maxTokens, "max-tokens", "n", 0, "Tokens to generate (default: one block)")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0.8, "Sampling temperature")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Top-k cutoff, 0 disables")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Sampling RNG seed")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var outputRoot string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List saved training runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := checkpoint.ListRuns(outputRoot)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no runs under %s\n", outputRoot)
				return nil
			}

			var rows [][]string
			for _, r := range runs {
				rows = append(rows, []string{
					r.RunID,
					r.Record.RunConfig.DatasetID,
					fmt.Sprintf("%d", r.Record.Step),
					fmt.Sprintf("%.4f", r.Record.BestValLoss),
					r.Started,
					r.Path,
				})
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"RUN", "DATASET", "STEP", "BEST VAL", "STARTED", "PATH"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(rows)
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&outputRoot, "output-root", "out", "Run directory root")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var (
		dataset   string
		overrides []string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration for a dataset profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(dataset, overrides)
			if err != nil {
				return err
			}
			if asJSON {
				b, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}

			flat := map[string]string{}
			b, err := json.Marshal(cfg)
			if err != nil {
				return err
			}
			var raw map[string]json.RawMessage
			if err := json.Unmarshal(b, &raw); err != nil {
				return err
			}
			flatten("", raw, flat)
			keys := make([]string, 0, len(flat))
			for k := range flat {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"KEY", "VALUE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, k := range keys {
				table.Append([]string{k, flat[k]})
			}
			table.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "\neffective batch size: %d\n", cfg.EffectiveBatchSize())
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "cube_structure", "Dataset profile: "+strings.Join(config.ProfileIDs(), ", "))
	cmd.Flags().StringArrayVarP(&overrides, "set", "s", nil, "Config override KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func flatten(prefix string, raw map[string]json.RawMessage, out map[string]string) {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(v, &nested); err == nil && len(v) > 0 && v[0] == '{' {
			flatten(key, nested, out)
			continue
		}
		out[key] = strings.Trim(string(v), `"`)
	}
}
