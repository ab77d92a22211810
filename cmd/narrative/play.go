package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AaronLay10/SentientNarrative/internal/engine"
	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
	"github.com/AaronLay10/SentientNarrative/internal/storage/memory"
)

func newPlayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play <file> [sub-program files...]",
		Short: "Run a program interactively on the terminal",
		Long: "Loads the given program files into an in-memory store and runs the first one.\n" +
			"Further files are available as sub-program call targets.",
		Args: cobra.MinimumNArgs(1),
		RunE: runPlay,
	}
	cmd.Flags().String("npc", "npc", "NPC id")
	cmd.Flags().String("session", "local", "Session id")
	cmd.Flags().StringArray("var", nil, "Initial variable binding key=value (repeatable)")
	return cmd
}

func runPlay(cmd *cobra.Command, args []string) error {
	npcID, _ := cmd.Flags().GetString("npc")
	sessionID, _ := cmd.Flags().GetString("session")
	rawVars, _ := cmd.Flags().GetStringArray("var")

	vars, err := parseVars(rawVars)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st := memory.New()
	var entry string
	for i, path := range args {
		p, err := program.LoadFile(path)
		if err != nil {
			return err
		}
		if err := st.PutProgram(ctx, p); err != nil {
			return err
		}
		if i == 0 {
			entry = p.ID
		}
	}

	eng := engine.New(st, st)
	return play(ctx, eng, sessionID, npcID, entry, vars, cmd.InOrStdin(), cmd.OutOrStdout())
}

// parseVars turns key=value pairs into bindings. Values that parse as
// numbers or booleans keep that type.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", pair)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			vars[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			vars[k] = b
		} else {
			vars[k] = v
		}
	}
	return vars, nil
}

func play(ctx context.Context, eng *engine.Engine, sessionID, npcID, programID string, vars map[string]any, in io.Reader, out io.Writer) error {
	res, err := eng.Start(ctx, sessionID, npcID, programID, vars)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for {
		printResult(out, res)
		if res.Finished || res.State != session.StatusSuspended {
			return nil
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		res, err = eng.Step(ctx, sessionID, npcID, readInput(res, scanner.Text()))
		if err != nil {
			return err
		}
	}
}

// readInput maps a typed line to engine input. Choices accept either the
// 1-based number shown or the option id.
func readInput(res *engine.StepResult, line string) engine.Input {
	line = strings.TrimSpace(line)
	if res.Awaiting == nil {
		return engine.Input{}
	}
	switch res.Awaiting.Kind {
	case session.AwaitChoice:
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(res.Choices) {
			return engine.Input{ChoiceID: res.Choices[n-1].ID}
		}
		return engine.Input{ChoiceID: line}
	case session.AwaitText:
		return engine.Input{Text: line}
	}
	return engine.Input{}
}

func printResult(w io.Writer, res *engine.StepResult) {
	for _, d := range res.Transcript {
		switch {
		case d.Speaker != "" && d.Text != "":
			fmt.Fprintf(w, "%s: %s\n", d.Speaker, d.Text)
		case d.Text != "":
			fmt.Fprintln(w, d.Text)
		case d.Payload != nil:
			fmt.Fprintf(w, "[%s] %v\n", d.NodeID, d.Payload)
		}
		if d.Prompt != "" {
			fmt.Fprintf(w, "> %s\n", d.Prompt)
		}
	}
	for i, c := range res.Choices {
		fmt.Fprintf(w, "  %d) %s\n", i+1, c.Text)
	}
	if res.Error != nil {
		fmt.Fprintf(w, "! %s: %s\n", res.Error.Code, res.Error.Message)
	}

	switch {
	case res.Finished && res.Handoff != nil:
		fmt.Fprintf(w, "-- handoff scene=%s location=%s\n", res.Handoff.SceneID, res.Handoff.LocationID)
	case res.Finished:
		fmt.Fprintln(w, "-- finished")
	case res.Awaiting != nil:
		switch res.Awaiting.Kind {
		case session.AwaitAck, session.AwaitTimer, session.AwaitCondition, session.AwaitGeneration:
			fmt.Fprintln(w, "(press enter)")
		}
	}
}
