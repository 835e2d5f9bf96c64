// Command slated runs the collaborative document editing server.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/docket-hq/slate-sheikah/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// colorOutput reports whether success and info lines use ANSI colors.
var colorOutput = true

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	noColor     bool
	errorFormat string
}

func main() {
	opts := &globalOptions{}
	if err := newRootCmd(opts).Execute(); err != nil {
		reportError(os.Stderr, err, opts)
		os.Exit(1)
	}
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "slated",
		Short: "Collaborative editing server for Slate documents",
		Long: `slated keeps one shared replica per open document and relays edits
between every editor connected to it.

  • WebSocket endpoint at /collab/<document-id>
  • Throttled saves to memory, Redis, SQL or S3
  • Idle documents are evicted after a configurable threshold
  • Prometheus metrics and OpenTelemetry tracing`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setColors(opts.noColor || !isTerminal(os.Stdout))
			_, err := errors.ParseOutputFormat(opts.errorFormat)
			return err
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&opts.noColor, "no-color", os.Getenv("NO_COLOR") != "", "Disable colored output")
	pf.StringVar(&opts.errorFormat, "error-format", "text", "Error output format: text, compact or json")

	rootCmd.AddCommand(
		serveCmd(),
		deleteCmd(),
		explainCmd(),
		versionCmd(),
	)
	return rootCmd
}

// reportError prints err in the format chosen on the command line. Colors
// are used only when w is a terminal.
func reportError(w io.Writer, err error, opts *globalOptions) {
	f, _ := w.(*os.File)
	setColors(opts.noColor || f == nil || !isTerminal(f))

	format, ferr := errors.ParseOutputFormat(opts.errorFormat)
	if ferr != nil {
		format = errors.OutputText
	}
	errors.Print(w, err, format)
}

func setColors(disabled bool) {
	colorOutput = !disabled
	if disabled {
		errors.DisableColors()
	} else {
		errors.EnableColors()
	}
}

// isTerminal reports whether f is a character device.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// success prints a success message.
func success(format string, args ...any) {
	mark := "✓"
	if colorOutput {
		mark = "\033[32m✓\033[0m"
	}
	fmt.Printf("%s %s\n", mark, fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
