package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AaronLay10/SentientNarrative/internal/version"
)

// Exit codes.
const (
	exitFailure    = 1
	exitValidation = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitErrorf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFailure)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "narrative",
		Short:        "Narrative runtime engine",
		SilenceUsage: true,
	}
	root.Version = version.String()
	root.SetVersionTemplate("narrative {{.Version}}\n")

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newPlayCmd())
	return root
}
