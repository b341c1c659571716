// Package main implements the nightshift CLI: an unattended mission runner
// that drives external coding agents through a task manifest.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

// Exit codes. Scripts driving overnight runs branch on these.
const (
	exitOK          = 0
	exitExecution   = 1
	exitConfig      = 2
	exitInterrupted = 130
)

// exitError carries a process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error    { return &exitError{code: exitConfig, err: err} }
func executionErr(err error) error { return &exitError{code: exitExecution, err: err} }

var (
	settingsPath string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "nightshift",
	Short: "Autonomous overnight mission runner for coding agents",
	Long: `nightshift runs a YAML mission manifest to completion without a human in
the loop. It plans each task with an external agent CLI, executes the
agent's instructions, verifies the claimed results, and rolls the
workspace back when a task goes wrong.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "settings.yaml", "path to the settings file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (console, json)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nightshift version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nightshift %s\n", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "nightshift:", ee.err)
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "nightshift:", err)
		os.Exit(exitExecution)
	}
}
