package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perbu/studyrag/pkg/mode"
	"github.com/perbu/studyrag/pkg/retrieval"
)

func newAskCmd(a *app) *cobra.Command {
	var modeName string
	cmd := &cobra.Command{
		Use:   "ask [flags] <question>",
		Short: "Answer a question from the bundle's sources, streaming the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			completer, err := newCompleter(a.cfg.Completion)
			if err != nil {
				return fmt.Errorf("initialize completer: %w", err)
			}
			if completer == nil {
				return errors.New("ask needs a completion provider; set --completion-provider")
			}
			st, err := a.openStack(completer, nil)
			if err != nil {
				return err
			}

			stream, err := st.service.AskStream(ctx, retrieval.Request{
				Query: strings.Join(args, " "),
				Mode:  modeName,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if stream.Status == retrieval.StatusNoSources {
				fmt.Fprintln(out, retrieval.NoSourcesMessage)
				return nil
			}
			for tok := range stream.Tokens {
				fmt.Fprint(out, tok)
			}
			fmt.Fprintln(out)
			if err := <-stream.Errs; err != nil {
				return err
			}

			fmt.Fprintln(out, "\nSources:")
			for _, s := range stream.Sources {
				fmt.Fprintf(out, "  [%d] %s (score %.2f)\n", s.Rank, s.Citation, s.Score)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&modeName, "mode", mode.Default, "search mode, see 'studyrag modes'")
	f.Int("top", 5, "number of sources to retrieve")
	f.String("completion-provider", "openai", "completion provider: openai, ollama")
	f.String("completion-model", "", "completion model, empty for the provider default")
	return cmd
}
