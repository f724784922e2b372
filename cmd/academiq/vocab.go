package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/query"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
	"github.com/mohammad-safakhou/academiq/internal/store"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
	"github.com/spf13/cobra"
)

func vocabCMD(cfgPath *string) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "vocab",
		Short: "Inspect and load the resolution vocabulary",
	}
	cmd.AddCommand(vocabCheckCMD(), vocabSearchCMD(cfgPath), vocabImportCMD(cfgPath))
	return cmd
}

// checkEntries rejects entries for columns that hold no resolvable values.
func checkEntries(schema *query.Schema, entries []vocab.Entry) (map[string]int, error) {
	known := map[string]bool{}
	for _, c := range schema.ValueColumns() {
		known[c] = true
	}
	counts := map[string]int{}
	for _, e := range entries {
		col := strings.ToLower(strings.TrimSpace(e.Column))
		if !known[col] {
			return nil, fmt.Errorf("column %q does not take vocabulary values", e.Column)
		}
		counts[col]++
	}
	entries = append(entries, schema.FieldVocabulary()...)
	if _, err := vocab.NewIndex(entries, vocab.IndexOptions{}); err != nil {
		return nil, err
	}
	return counts, nil
}

func vocabCheckCMD() *cobra.Command {
	var file string
	var check = &cobra.Command{
		Use:   "check",
		Short: "Validate a vocabulary file against the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := vocab.FileSource{Path: file}.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := checkEntries(query.DefaultSchema(), entries)
			if err != nil {
				return err
			}
			cols := make([]string, 0, len(counts))
			for c := range counts {
				cols = append(cols, c)
			}
			sort.Strings(cols)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COLUMN\tVALUES")
			for _, c := range cols {
				fmt.Fprintf(w, "%s\t%d\n", c, counts[c])
			}
			return w.Flush()
		},
	}
	check.Flags().StringVarP(&file, "file", "f", "", "vocabulary YAML file")
	_ = check.MarkFlagRequired("file")
	return check
}

func vocabSearchCMD(cfgPath *string) *cobra.Command {
	var column string
	var search = &cobra.Command{
		Use:   "search [span]",
		Short: "Show how a span scores against the live vocabulary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			a, err := buildApp(cmd.Context(), cfg, logger, nil, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			span := strings.Join(args, " ")
			view := a.resolver.View()
			var cands []resolve.Candidate
			if column != "" {
				if cands, err = view.Resolve(span, column); err != nil {
					return err
				}
			} else {
				cands = view.ResolveAny(span, a.schema.ValueColumns())
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COLUMN\tVALUE\tCONFIDENCE")
			for i, c := range cands {
				if i == 10 {
					break
				}
				fmt.Fprintf(w, "%s\t%s\t%.4f\n", c.Column, c.Value, c.Confidence)
			}
			return w.Flush()
		},
	}
	search.Flags().StringVar(&column, "column", "", "restrict to one column")
	return search
}

func vocabImportCMD(cfgPath *string) *cobra.Command {
	var file string
	var imp = &cobra.Command{
		Use:   "import",
		Short: "Upsert a vocabulary file into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			entries, err := vocab.FileSource{Path: file}.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := checkEntries(query.DefaultSchema(), entries); err != nil {
				return err
			}
			n, err := importEntries(cmd.Context(), cfg, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "upserted %d entries\n", n)
			return nil
		},
	}
	imp.Flags().StringVarP(&file, "file", "f", "", "vocabulary YAML file")
	_ = imp.MarkFlagRequired("file")
	return imp
}

func importEntries(ctx context.Context, cfg *config.Config, entries []vocab.Entry) (int, error) {
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return 0, err
	}
	st, err := store.New(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return 0, err
	}
	defer st.Close()
	return st.UpsertVocabulary(ctx, entries)
}
