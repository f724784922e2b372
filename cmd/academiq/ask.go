package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/academiq/internal/engine"
	"github.com/mohammad-safakhou/academiq/internal/policy"
	"github.com/spf13/cobra"
)

func askCMD(cfgPath *string) *cobra.Command {
	var userID, role string
	var interactive bool
	var ask = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := policy.ParseRole(role)
			if err != nil {
				return err
			}
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

			req := engine.Request{Query: strings.Join(args, " "), UserID: userID, Role: r}
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			for {
				outcome := a.engine.Process(cmd.Context(), req)
				if outcome.Kind != engine.NeedsClarification || !interactive {
					return printOutcome(out, outcome)
				}
				answer, err := choose(in, out, outcome.Clarification)
				if err != nil {
					return err
				}
				req.Answer = answer
			}
		},
	}
	ask.Flags().StringVar(&userID, "user", "", "caller user id")
	ask.Flags().StringVar(&role, "role", string(policy.RoleStudent), "caller role (student or admin)")
	ask.Flags().BoolVarP(&interactive, "interactive", "i", true, "prompt for clarification answers on stdin")
	_ = ask.MarkFlagRequired("user")

	return ask
}

// choose shows the clarification options and reads a 1-based choice.
func choose(in *bufio.Reader, out io.Writer, c *engine.Clarification) (*engine.Answer, error) {
	fmt.Fprintln(out, c.Message)
	for i, opt := range c.Options {
		fmt.Fprintf(out, "  %d) %s\n", i+1, opt.Description)
	}
	for {
		fmt.Fprint(out, "> ")
		line, err := in.ReadString('\n')
		line = strings.TrimSpace(line)
		if n, convErr := strconv.Atoi(line); convErr == nil && n >= 1 && n <= len(c.Options) {
			opt := c.Options[n-1]
			return &engine.Answer{Column: opt.Column, Value: opt.Value}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("no choice made: %w", err)
		}
		fmt.Fprintf(out, "pick a number between 1 and %d\n", len(c.Options))
	}
}

func printOutcome(out io.Writer, o *engine.Outcome) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(o); err != nil {
		return err
	}
	if o.Error != nil {
		return fmt.Errorf("%s: %s", o.Error.Kind, o.Error.Message)
	}
	return nil
}
