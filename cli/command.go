package cli

import (
	"errors"
	"fmt"

	"github.com/binwatch/binwatch/config"
	"github.com/binwatch/binwatch/internal"
	"github.com/binwatch/binwatch/internal/mailer"
	"github.com/binwatch/binwatch/pkg/auditor"
	"github.com/binwatch/binwatch/pkg/history"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// versions is overridden at build time via -ldflags.
var versions = "dev"

var (
	rootCmd = &cobra.Command{
		Use:   "binwatch [OPTIONS]",
		Short: "Periodic binary vulnerability audit with mail reports",
		Long: `Binwatch audits a configured set of binaries with an external
advisory-database auditor, deduplicates findings against the previous
run and mails a report. It is meant to be triggered by a scheduler,
not to run as a daemon.`,
	}

	confPath  string
	noSystemd bool
	debug     bool
)

// Exit codes consumed by the scheduler. Anything non-zero is expected
// to be surfaced as an operational alert through the scheduler's own
// channel, independent of the mail report.
const (
	ExitOK = iota
	ExitFailure
	ExitLocked
	ExitAuditorUnavailable
	ExitDeliveryFailure
	ExitStateCorrupt
)

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, history.ErrLocked):
		return ExitLocked
	case errors.Is(err, auditor.ErrUnavailable):
		return ExitAuditorUnavailable
	case errors.Is(err, mailer.ErrDelivery):
		return ExitDeliveryFailure
	case errors.Is(err, history.ErrCorrupt):
		return ExitStateCorrupt
	default:
		return ExitFailure
	}
}

func Execute() error {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one audit-and-report cycle",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if debug {
				log.SetLevel(log.DebugLevel)
			}

			conf, err := config.Load(confPath)
			if err != nil {
				return err
			}

			if err := internal.NewPipeline(conf).Run(cmd.Context()); err != nil {
				return err
			}

			if !noSystemd {
				if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
					log.Debugf("systemd notify: %v", err)
				}
			}
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and quit",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			conf, err := config.Load(confPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: configuration ok, %d targets\n", confPath, len(conf.Targets))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information and quit",
		Args:  NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(versions)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&confPath, "config", "c", config.DefaultPath, "path of configuration file")
	rootCmd.PersistentFlags().BoolVar(&noSystemd, "no-systemd", false, "skip the systemd readiness notification")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd.Execute()
}
