package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fpupdate/pkg/render"
	"fpupdate/pkg/telemetry"
	"fpupdate/services/updater/internal/bundle"
	"fpupdate/services/updater/internal/config"
	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/events"
	"fpupdate/services/updater/internal/fault"
	"fpupdate/services/updater/internal/integrity"
	"fpupdate/services/updater/internal/ledger"
	"fpupdate/services/updater/internal/workflow"
)

const serviceName = "fpupdate"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	_ = godotenv.Load()

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(fault.ExitCode(err))
	}
}

type app struct {
	cfg config.Config

	workDir  string
	ackMode  string
	logLevel string
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Update a Fairphone 3 to the latest build and re-apply the boot patch",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&a.workDir, "work-dir", "", "Working directory for downloads and logs (FPUPDATE_WORK_DIR)")
	cmd.PersistentFlags().StringVar(&a.ackMode, "ack", "", "How the operator confirms manual steps: console or http (FPUPDATE_ACK)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (FPUPDATE_LOG_LEVEL)")

	cmd.AddCommand(
		newRunCommand(a),
		newDevicesCommand(a),
		newVerifyCommand(a),
		newSideloadCommand(a),
		newHistoryCommand(a),
		newWatchCommand(a),
		newBundleCommand(a),
	)
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return fault.Preconditionf("config", "%v", err)
	}
	if a.workDir != "" {
		cfg.WorkDir = a.workDir
	}
	if a.ackMode != "" {
		cfg.AckMode = a.ackMode
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fault.Preconditionf("config", "%v", err)
	}
	a.cfg = cfg
	return nil
}

func newRunCommand(a *app) *cobra.Command {
	var bundleRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Download the latest recovery, wait for the patch, flash both boot slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundleRun {
				a.cfg.Bundle = true
			}
			return a.run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&bundleRun, "bundle", false, "Archive the run into a tar.zst bundle (FPUPDATE_BUNDLE)")
	return cmd
}

func (a *app) run(ctx context.Context) error {
	// The run log lives in the work dir, so it is checked before anything is written.
	if err := workflow.CheckWorkDir(a.cfg.WorkDir); err != nil {
		return err
	}

	runID := uuid.New()
	logger, closeLog, err := telemetry.NewLogger(telemetry.LoggerOptions{
		Service:  serviceName,
		Level:    a.cfg.LogLevel,
		Console:  os.Stderr,
		NoColor:  a.cfg.NoColor,
		FilePath: a.cfg.LogPath(runID.String()),
	})
	if err != nil {
		return err
	}
	defer closeLog.Close()

	// Connections to the optional sinks are opened only for a usable device.
	if _, err := workflow.SingleDevice(ctx, newBridge(a.cfg, logger)); err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Init(ctx, serviceName, a.cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(logger, "tracing", shutdownTracing)

	rt, err := newRuntime(ctx, a.cfg, runID, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	wf, err := workflow.New(rt.deps, a.workflowConfig(runID))
	if err != nil {
		return err
	}
	run, runErr := wf.Execute(ctx)

	summary, err := rt.renderer.Render(render.RunSummary, run.Summary())
	if err != nil {
		logger.Warn().Err(err).Msg("render run summary")
	} else {
		fmt.Fprintln(os.Stdout, summary)
	}
	return runErr
}

func (a *app) workflowConfig(runID uuid.UUID) workflow.Config {
	return workflow.Config{
		RunID:                  runID,
		WorkDir:                a.cfg.WorkDir,
		DeviceDir:              a.cfg.DeviceDir,
		PatchedPrefix:          a.cfg.PatchedPrefix,
		FlashSlots:             a.cfg.FlashSlots,
		BootloaderPollInterval: a.cfg.BootloaderPollInterval,
		NormalPollInterval:     a.cfg.NormalPollInterval,
		BootloaderTimeout:      a.cfg.BootloaderTimeout,
		NormalBootTimeout:      a.cfg.NormalBootTimeout,
	}
}

func newDevicesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached devices and the detected mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bridge := newBridge(a.cfg, a.consoleLogger())

			adbDevices, err := bridge.ListDevices(ctx)
			if err != nil {
				return err
			}
			fastbootDevices, err := bridge.ListBootloaderDevices(ctx)
			if err != nil {
				return err
			}
			mode, err := bridge.DetectMode(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIAL\tSTATE\tTOOL")
			for _, d := range adbDevices {
				fmt.Fprintf(tw, "%s\t%s\tadb\n", d.Serial, d.State)
			}
			for _, d := range fastbootDevices {
				fmt.Fprintf(tw, "%s\t%s\tfastboot\n", d.Serial, d.State)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "mode: %s\n", mode)
			return nil
		},
	}
}

func newVerifyCommand(a *app) *cobra.Command {
	var (
		digest      string
		checksumURL string
	)
	cmd := &cobra.Command{
		Use:   "verify FILE",
		Short: "Check a file against a SHA-256 digest or a published checksum list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if (digest == "") == (checksumURL == "") {
				return fault.Preconditionf("verify", "exactly one of --sha256 or --checksum-url is required")
			}
			if checksumURL != "" {
				d := download.New(download.Config{HTTPClient: telemetry.HTTPClient(a.cfg.HTTPTimeout), Logger: a.consoleLogger()})
				sum, err := d.FetchChecksum(cmd.Context(), checksumURL, filepath.Base(path))
				if err != nil {
					return err
				}
				digest = sum.Digest
			}

			actual, err := integrity.ComputeDigest(path)
			if err != nil {
				return fault.Preconditionf("verify", "%v", err)
			}
			if !integrity.Match(actual, digest) {
				return &fault.ChecksumMismatchError{Path: path, Expected: strings.ToLower(digest), Actual: actual}
			}
			fmt.Fprintf(os.Stdout, "%s: OK (%s)\n", path, actual)
			return nil
		},
	}
	cmd.Flags().StringVar(&digest, "sha256", "", "Expected SHA-256 digest")
	cmd.Flags().StringVar(&checksumURL, "checksum-url", "", "URL of a sha256sum listing")
	return cmd
}

func newSideloadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sideload PACKAGE",
		Short: "Reboot into recovery and install a package with adb sideload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.consoleLogger()
			rt, err := newRuntime(ctx, a.cfg, uuid.New(), logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			wf, err := workflow.New(rt.deps, a.workflowConfig(uuid.Nil))
			if err != nil {
				return err
			}
			return wf.Sideload(ctx, args[0])
		},
	}
}

func newHistoryCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "Show recorded runs, or the events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DBDSN == "" {
				return fault.Preconditionf("history", "DB_DSN is not set")
			}
			ctx := cmd.Context()
			store, closeDB, err := openLedger(ctx, a.cfg.DBDSN)
			if err != nil {
				return err
			}
			defer closeDB()

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 1 {
				runID, err := uuid.Parse(args[0])
				if err != nil {
					return fault.Preconditionf("history", "invalid run id %q", args[0])
				}
				rec, err := store.Run(ctx, runID)
				if errors.Is(err, ledger.ErrRunNotFound) {
					return fault.Preconditionf("history", "unknown run %s", runID)
				}
				if err != nil {
					return err
				}
				evts, err := store.Events(ctx, runID)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "run %s: %s in %s (error: %s)\n", rec.ID, rec.Status, rec.State, dash(rec.ErrorKind))
				fmt.Fprintln(tw, "AT\tKIND\tSTATE")
				for _, e := range evts {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.At.Local().Format(time.DateTime), e.Kind, e.State)
				}
				return nil
			}

			runs, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tSTATE\tDEVICE\tSUFFIX\tARTIFACTS\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.State,
					dash(r.DeviceSerial), dash(r.PatchedSuffix), r.Artifacts, dash(r.ErrorKind))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

func newWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream run events published to NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.NATSURL == "" {
				return fault.Preconditionf("watch", "NATS_URL is not set")
			}
			b, err := connectBus(a.cfg.NATSURL)
			if err != nil {
				return err
			}
			defer b.Close()

			return events.Watch(cmd.Context(), b, func(evt workflow.Event) error {
				fmt.Fprintln(os.Stdout, events.Format(evt))
				return nil
			})
		},
	}
}

func newBundleCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Run archive operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var requireSignature bool
	verify := &cobra.Command{
		Use:   "verify FILE",
		Short: "Check a run archive's file digests and manifest signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := newSigner(a.cfg)
			if err != nil {
				return err
			}
			if requireSignature && signer == nil {
				return fault.Preconditionf("bundle verify", "AGE_SECRET_KEY or AGE_PUBLIC_KEY is required to check signatures")
			}
			manifest, err := bundle.Verify(cmd.Context(), args[0], signer)
			if err != nil {
				return err
			}
			signed := "unsigned"
			if manifest.Signature != "" {
				signed = "signed"
				if manifest.Signer != "" {
					signed += " by " + manifest.Signer
				}
			}
			fmt.Fprintf(os.Stdout, "%s: OK, run %s %s, %d files, %s\n",
				args[0], manifest.Run.RunID, manifest.Run.Status, len(manifest.Files), signed)
			return nil
		},
	}
	verify.Flags().BoolVar(&requireSignature, "require-signature", false, "Fail unless the manifest is signed by the configured key")
	cmd.AddCommand(verify)
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
