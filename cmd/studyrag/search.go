package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/perbu/studyrag/pkg/filter"
	"github.com/perbu/studyrag/pkg/mode"
	"github.com/perbu/studyrag/pkg/retrieval"
	"github.com/perbu/studyrag/pkg/search"
	"github.com/perbu/studyrag/pkg/segment"
)

type searchFlags struct {
	mode    string
	filters []string
	full    bool
	context int
}

func newSearchCmd(a *app) *cobra.Command {
	var sf searchFlags
	cmd := &cobra.Command{
		Use:   "search [flags] <query>",
		Short: "Search the bundle from the command line",
		Example: `  studyrag search --mode recent_talks "hope in Christ"
  studyrag search --filter book=Alma --context 2 "faith"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.search(cmd, strings.Join(args, " "), sf)
		},
	}
	f := cmd.Flags()
	f.Int("top", 5, "number of results to return")
	f.Float64("threshold", 0, "minimum similarity score, inclusive")
	f.StringVar(&sf.mode, "mode", mode.Default, "search mode, see 'studyrag modes'")
	f.StringArrayVar(&sf.filters, "filter", nil, "metadata filter as key=value, repeatable")
	f.BoolVar(&sf.full, "full", false, "show full content instead of just citations")
	f.IntVar(&sf.context, "context", 0, "number of surrounding segments from the same source to show")
	return cmd
}

func (a *app) search(cmd *cobra.Command, query string, sf searchFlags) error {
	adhoc, err := parseFilters(sf.filters)
	if err != nil {
		return err
	}
	st, err := a.openStack(nil, nil)
	if err != nil {
		return err
	}

	resp, err := st.service.Search(cmd.Context(), retrieval.Request{Query: query, Mode: sf.mode, SourceFilter: adhoc})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results found")
		return nil
	}

	fmt.Fprintf(out, "Found %d results (mode=%s):\n\n", resp.TotalFound, resp.Mode)
	for i, r := range resp.Results {
		fmt.Fprintf(out, "%d. Score: %.2f | %s\n", r.Rank, r.Score, mode.Citation(r.Metadata))

		if !sf.full && sf.context <= 0 {
			continue
		}
		fmt.Fprintln(out)
		if sf.context > 0 {
			for _, n := range neighbours(st.engine, r.Ordinal, sf.context) {
				if n.ordinal == r.Ordinal {
					fmt.Fprintln(out, ">>> MATCHED SEGMENT <<<")
				}
				if n.seg.Citation != "" {
					fmt.Fprintf(out, "[%s]\n", n.seg.Citation)
				}
				fmt.Fprintln(out, n.seg.Text)
				fmt.Fprintln(out)
			}
		} else {
			fmt.Fprintln(out, r.Content)
		}
		if i < len(resp.Results)-1 {
			fmt.Fprintln(out, strings.Repeat("-", 80))
			fmt.Fprintln(out)
		}
	}
	return nil
}

type neighbour struct {
	ordinal int
	seg     segment.Segment
}

// neighbours returns the segments within n positions of ordinal that were
// loaded from the same file, in bundle order.
func neighbours(e *search.Engine, ordinal, n int) []neighbour {
	target, ok := e.Segment(ordinal)
	if !ok {
		return nil
	}
	start := max(ordinal-n, 0)
	end := min(ordinal+n+1, e.Len())

	var out []neighbour
	for i := start; i < end; i++ {
		s, _ := e.Segment(i)
		if s.Origin == target.Origin {
			out = append(out, neighbour{ordinal: i, seg: s})
		}
	}
	return out
}

// parseFilters turns key=value pairs into a filter. Values stay strings;
// numeric metadata still matches them by value.
func parseFilters(pairs []string) (filter.Filter, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	f := make(filter.Filter, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", p)
		}
		f[k] = v
	}
	return f, nil
}
