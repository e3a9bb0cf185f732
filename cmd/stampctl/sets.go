package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stampline/internal/app"
	"stampline/internal/domain"
	"stampline/internal/repo"
)

func setCmd() *cobra.Command {
	set := &cobra.Command{
		Use:   "set",
		Short: "Manage stamp sets",
		Long:  "A set is one theme on its way to a finished sticker pack. Commands here run the pipeline inline until the set parks at a checkpoint or finishes.",
	}
	set.AddCommand(setCreateCmd())
	set.AddCommand(setListCmd())
	set.AddCommand(setShowCmd())
	set.AddCommand(setDecideCmd())
	set.AddCommand(setCancelCmd())
	set.AddCommand(setExportCmd())
	set.AddCommand(setDeleteCmd())
	set.AddCommand(setHistoryCmd())
	return set
}

func setCreateCmd() *cobra.Command {
	var theme string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a set and run it to the first checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(theme) == "" && len(args) > 0 {
				theme = strings.Join(args, " ")
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.CreateSet(ctx, theme)
				if err != nil {
					return err
				}
				return printSet(s)
			})
		},
	}
	cmd.Flags().StringVar(&theme, "theme", "", "theme, e.g. \"rainy day cat\"")
	return cmd
}

func setListCmd() *cobra.Command {
	var stage string
	var active bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.Filter{Active: active, Limit: limit}
			if stage != "" {
				st, err := domain.ParseStage(stage)
				if err != nil {
					return err
				}
				f.Stage = st
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				sets, err := a.Engine.Sets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					summaries := make([]domain.SetSummary, 0, len(sets))
					for _, s := range sets {
						summaries = append(summaries, s.Summary())
					}
					return printJSON(summaries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Theme", "Stage", "Samples", "Full", "Updated"})
				for _, s := range sets {
					tw.AppendRow(table.Row{s.ID, s.Theme, s.Stage, len(s.CurrentSamples()), len(s.FullArtifacts), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().BoolVar(&active, "active", false, "only sets that have not finished")
	cmd.Flags().IntVar(&limit, "limit", 50, "max sets")
	return cmd
}

func setShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a set and the checkpoint it waits on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Set(ctx, args[0])
				if err != nil {
					return err
				}
				return printSet(s)
			})
		},
	}
	return cmd
}

func setHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show stage transitions of a set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Transitions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "From", "To", "Note"})
				for _, tr := range items {
					tw.AppendRow(table.Row{tr.At, tr.From, tr.To, tr.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func setDecideCmd() *cobra.Command {
	var checkpoint string
	var selection int
	var indices []int
	cmd := &cobra.Command{
		Use:   "decide <id> <approve|reject|regenerate>",
		Short: "Submit a checkpoint decision",
		Long: `Decide on the checkpoint a set is parked on.
At choose_concept: approve needs --select, regenerate asks for new concepts.
At approve_samples: approve starts the full run, regenerate re-renders --index (default: failed samples).
Reject cancels the set at either checkpoint.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseDecisionKind(args[1])
			if err != nil {
				return err
			}
			d := domain.Decision{Checkpoint: domain.CheckpointKind(checkpoint), Kind: kind, Indices: indices}
			if cmd.Flags().Changed("select") {
				d.Selection = &selection
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Decide(ctx, args[0], d)
				if err != nil {
					return err
				}
				return printSet(s)
			})
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "expected checkpoint (choose_concept, approve_samples)")
	cmd.Flags().IntVar(&selection, "select", 0, "concept index to approve")
	cmd.Flags().IntSliceVar(&indices, "index", nil, "sample phrase index to regenerate (repeatable)")
	return cmd
}

func setCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printSet(s)
			})
		},
	}
	return cmd
}

func setExportCmd() *cobra.Command {
	var loraDir, boothDir string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a completed set as a JSON bundle, a LoRA training directory or a Booth catalogue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if boothDir != "" {
					out, err := a.Engine.ExportBooth(ctx, args[0], boothDir)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(map[string]any{"pdf": out})
					}
					fmt.Println("wrote", out)
					return nil
				}
				if loraDir == "" {
					b, err := a.Engine.Export(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(b)
				}
				out, n, err := a.Engine.ExportLoRA(ctx, args[0], loraDir)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"dir": out, "images": n})
				}
				fmt.Printf("wrote %d images to %s\n", n, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&loraDir, "lora", "", "write image/caption pairs under this directory")
	cmd.Flags().StringVar(&boothDir, "booth", "", "write the Booth catalogue PDF and listing metadata into this directory")
	cmd.MarkFlagsMutuallyExclusive("lora", "booth")
	return cmd
}

func setDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a set and its images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Advance every interrupted set until it parks or finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				sets, err := a.Engine.Sets(ctx, repo.Filter{Active: true})
				if err != nil {
					return err
				}
				var results []domain.SetSummary
				for _, s := range sets {
					got, err := a.Engine.Advance(ctx, s.ID)
					if err != nil {
						a.Logger.Warn().Err(err).Str("set_id", s.ID).Msg("resume failed")
						continue
					}
					results = append(results, got.Summary())
				}
				return printJSONOrTable(results)
			})
		},
	}
	return cmd
}

func printSet(s domain.StampSet) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("%s  %s  [%s]\n", s.ID, s.Theme, s.Stage)
	if s.FailureReason != "" {
		fmt.Println("failure:", s.FailureReason)
	}
	if kind, ok := s.Stage.Checkpoint(); ok {
		p := domain.BuildPreview(s, "")
		fmt.Println("waiting on:", kind)
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		switch kind {
		case domain.CheckpointChooseConcept:
			tw.AppendHeader(table.Row{"#", "Concept"})
			for i, c := range p.Concepts {
				tw.AppendRow(table.Row{i, c})
			}
		case domain.CheckpointApproveSamples:
			fmt.Println("concept:", p.Concept)
			if p.Grid != "" {
				fmt.Println("review grid:", p.Grid)
			}
			tw.AppendHeader(table.Row{"#", "Phrase", "Status", "Path"})
			for _, a := range p.Samples {
				detail := a.Path
				if a.Error != "" {
					detail = a.Error
				}
				tw.AppendRow(table.Row{a.PhraseIndex, a.Phrase, a.Status, detail})
			}
		}
		tw.Render()
		return nil
	}
	if s.Stage == domain.StageCompleted {
		ready := 0
		for _, a := range append(s.CurrentSamples(), s.FullArtifacts...) {
			if a.Status == domain.ArtifactReady {
				ready++
			}
		}
		var failed []int
		for _, a := range s.FailedItems() {
			failed = append(failed, a.PhraseIndex)
		}
		fmt.Printf("ready: %d/%d, failed: %s\n", ready, len(s.Phrases), joinInts(failed))
		if s.FullGrid != "" {
			fmt.Println("review grid:", s.FullGrid)
		}
	}
	return nil
}

func printEvents(items []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Set", "Payload"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.SetID, evt.Payload})
	}
	tw.Render()
}

func joinInts(in []int) string {
	if len(in) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(in))
	for _, v := range in {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}
