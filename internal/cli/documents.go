package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/cogmem/internal/engine"
)

var (
	addTitle    string
	addText     string
	addSource   string
	addCategory string
)

var addCmd = &cobra.Command{
	Use:   "add [file|-]",
	Short: "Add a document from --text, a file, or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := addText
		if len(args) == 1 {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			text = string(data)
		}
		title := addTitle
		if title == "" && len(args) == 1 && args[0] != "-" {
			title = args[0]
		}

		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		id, err := eng.AddDocument(cmd.Context(), engine.Document{
			Title:    title,
			Text:     text,
			Source:   addSource,
			Category: addCategory,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its relationships",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		if err := eng.DeleteDocument(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var (
	searchK          int
	searchWeight     float64
	searchCategory   string
	searchTrajectory string
	searchRoute      string
	searchJSON       bool
)

var searchCmd = &cobra.Command{
	Use:   "search <text...>",
	Short: "Hybrid search over stored documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		req := engine.SearchRequest{
			Text:         strings.Join(args, " "),
			K:            searchK,
			TrajectoryID: searchTrajectory,
			Route:        searchRoute,
		}
		if cmd.Flags().Changed("weight") {
			req.VectorWeight = &searchWeight
		}
		if searchCategory != "" {
			req.Filters = map[string]any{"category": searchCategory}
		}
		results, err := eng.Search(cmd.Context(), req)
		if err != nil {
			return err
		}
		if searchJSON {
			return printJSON(cmd, results)
		}

		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, "no results")
			return nil
		}
		for i, r := range results {
			title, _ := r.Metadata["title"].(string)
			fmt.Fprintf(out, "%2d. %.3f  (vector %.3f, graph %.3f)  %s  %s\n",
				i+1, r.CombinedScore, r.VectorScore, r.GraphScore, r.ID[:min(12, len(r.ID))], title)
		}
		return nil
	},
}

var (
	reportLimit  int
	reportOutput string
)

var reportCmd = &cobra.Command{
	Use:   "report <topic...>",
	Short: "Generate a markdown research report on a topic",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		topic := strings.Join(args, " ")
		md, err := eng.Report(cmd.Context(), topic, reportLimit)
		if err != nil {
			return err
		}
		if md == "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "no documents found for %q\n", topic)
			return nil
		}
		if reportOutput == "" {
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		}
		if err := os.WriteFile(reportOutput, []byte(md), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", reportOutput)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addTitle, "title", "", "document title (defaults to the file name)")
	addCmd.Flags().StringVar(&addText, "text", "", "document text")
	addCmd.Flags().StringVar(&addSource, "source", "", "document source")
	addCmd.Flags().StringVar(&addCategory, "category", "", "document category")

	searchCmd.Flags().IntVarP(&searchK, "k", "k", 10, "number of results")
	searchCmd.Flags().Float64Var(&searchWeight, "weight", 0, "vector weight in [0,1] (default: learned weight)")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "only return documents in this category")
	searchCmd.Flags().StringVar(&searchTrajectory, "trajectory", "", "record this search as a step of an open trajectory")
	searchCmd.Flags().StringVar(&searchRoute, "route", "", "route recorded with --trajectory (default: hybrid)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print results as JSON")

	reportCmd.Flags().IntVar(&reportLimit, "limit", 5, "maximum documents in the report")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "write the report to a file")
}
