package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AaronLay10/SentientNarrative/internal/program"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate program files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")
	return cmd
}

type fileReport struct {
	File      string          `json:"file"`
	ProgramID string          `json:"programId,omitempty"`
	Error     string          `json:"error,omitempty"`
	Issues    []program.Issue `json:"issues"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")

	failed := false
	reports := make([]fileReport, 0, len(args))
	for _, path := range args {
		rep := validateFile(path)
		if rep.Error != "" || program.Fatal(rep.Issues) || (strict && len(rep.Issues) > 0) {
			failed = true
		}
		reports = append(reports, rep)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else {
		printReports(out, reports)
	}

	if failed {
		return exitErrorf(exitValidation, "validation failed")
	}
	return nil
}

func validateFile(path string) fileReport {
	rep := fileReport{File: path, Issues: []program.Issue{}}
	p, err := program.LoadFile(path)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.ProgramID = p.ID
	if issues := program.Validate(p); issues != nil {
		rep.Issues = issues
	}
	return rep
}

func printReports(w io.Writer, reports []fileReport) {
	for _, rep := range reports {
		switch {
		case rep.Error != "":
			fmt.Fprintf(w, "%s: %s\n", rep.File, rep.Error)
			continue
		case len(rep.Issues) == 0:
			fmt.Fprintf(w, "%s: %s ok\n", rep.File, rep.ProgramID)
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", rep.File, rep.ProgramID)
		for _, issue := range rep.Issues {
			fmt.Fprintf(w, "  %s\n", issue)
		}
	}
}
