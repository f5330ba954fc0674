// Package cli provides the command-line interface for signing and
// verifying detached signatures.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopdfsig/config"
	"github.com/georgepadayatti/gopdfsig/observability"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// ErrInvalid is returned when a verification command finds a failure.
var ErrInvalid = errors.New("validation failed")

// Color schemes
var (
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed)
	colorWarning = color.New(color.FgYellow)
	colorHeader  = color.New(color.Bold)
)

// App carries the state shared by the commands of one invocation.
type App struct {
	Out io.Writer
	Err io.Writer

	Config *config.AppConfig
	Logger observability.Logger

	configFile string
	logLevel   string
	noColor    bool
	closer     io.Closer
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	app := &App{Out: out, Err: errOut}

	root := &cobra.Command{
		Use:   "gopdfsig",
		Short: "Detached CMS signing and long-term validation",
		Long: `gopdfsig signs documents with detached CMS/CAdES signatures or RFC 3161
document timestamps, and validates signature revisions against CRL, OCSP
and trust anchor evidence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.Version = Version
	root.SetVersionTemplate("gopdfsig version {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "YAML configuration file")
	flags.StringVar(&app.logLevel, "log-level", "", "Log level (verbose, debug, info, warn, error)")
	flags.BoolVar(&app.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newSignCommand(app),
		newVerifyCommand(app),
		newLtvCommand(app),
		newCheckCertCommand(app),
		newVersionCommand(app),
	)
	return root
}

// Execute runs the CLI on the process arguments.
func Execute() error {
	return NewRootCommand(os.Stdout, os.Stderr).Execute()
}

func (a *App) init() error {
	if a.configFile != "" {
		c, err := config.LoadAppConfig(a.configFile)
		if err != nil {
			return err
		}
		a.Config = c
	} else {
		a.Config = config.DefaultAppConfig()
	}
	if a.logLevel != "" {
		a.Config.Logging.Level = a.logLevel
	}

	logger, closer, err := a.Config.Logging.Logger()
	if err != nil {
		return err
	}
	a.Logger, a.closer = logger, closer

	if a.noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
	return nil
}

func (a *App) close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

func (a *App) success(format string, args ...any) {
	_, _ = colorSuccess.Fprintf(a.Out, format+"\n", args...)
}

func (a *App) failure(format string, args ...any) {
	_, _ = colorError.Fprintf(a.Out, format+"\n", args...)
}

func (a *App) warn(format string, args ...any) {
	_, _ = colorWarning.Fprintf(a.Err, format+"\n", args...)
}

func (a *App) header(format string, args ...any) {
	_, _ = colorHeader.Fprintf(a.Out, format+"\n", args...)
}

func newVersionCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(app.Out, "gopdfsig version %s\n", Version)
			fmt.Fprintf(app.Out, "Build time: %s\n", BuildTime)
			return nil
		},
	}
}
