// Command lesionseg runs the lesion segmentation pipeline over a set of MRI
// sequences, or scans a DICOM study to identify them.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lesionseg/internal/config"
	"lesionseg/internal/intake"
	"lesionseg/internal/memo"
	"lesionseg/internal/pipeline"
	"lesionseg/internal/tools"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "lesionseg",
		Short:         "MRI lesion segmentation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newScanCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	var sequenceArgs []string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run --config <file> --sequence id=path [--sequence id=path ...]",
		Short: "Run the full pipeline and publish segmentation and probability images",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sequences, err := parseSequences(sequenceArgs)
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log := logrus.WithField("component", "pipeline")

			if metricsAddr != "" {
				serveMetrics(metricsAddr, log)
			}

			store, err := memo.OpenBadgerStore(filepath.Join(cfg.CacheDir, "records"))
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := store.Close(); closeErr != nil {
					log.WithError(closeErr).Warn("closing record store failed")
				}
			}()

			adapter := tools.NewExecAdapter(logrus.WithField("component", "tools"))
			invoker, err := memo.NewInvoker(store, adapter, filepath.Join(cfg.CacheDir, "work"), log)
			if err != nil {
				return err
			}

			report := pipeline.NewCollector()
			invoker.Observer = report.Record

			pipelineCtx, err := pipeline.NewContext(cfg, invoker, pipeline.NewForestRegistry())
			if err != nil {
				return err
			}
			driver, err := pipeline.NewDriver(pipelineCtx, report, log)
			if err != nil {
				return err
			}
			return driver.Run(cmd.Context(), sequences)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "pipeline configuration file (INI)")
	cmd.Flags().StringArrayVarP(&sequenceArgs, "sequence", "s", nil, "sequence mapping id=path (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("sequence")
	return cmd
}

// serveMetrics exposes the invocation counters on addr for the lifetime of
// the run. Long pipelines are scraped; short ones just never get polled.
func serveMetrics(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", memo.MetricsHandler())
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <dicom-dir>",
		Short: "Identify MRI sequences in a DICOM study directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sequences, err := intake.ScanStudy(args[0])
			if err != nil {
				return err
			}
			set := pipeline.SequenceSet(sequences)
			for _, id := range set.IDs() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", id, set[id])
			}
			return nil
		},
	}
}

// parseSequences converts repeated id=path flags into a sequence set.
func parseSequences(args []string) (pipeline.SequenceSet, error) {
	sequences := make(pipeline.SequenceSet, len(args))
	for _, arg := range args {
		id, path, ok := strings.Cut(arg, "=")
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("invalid --sequence %q, expected id=path", arg)
		}
		if _, dup := sequences[id]; dup {
			return nil, fmt.Errorf("duplicate sequence id %q", id)
		}
		sequences[id] = path
	}
	return sequences, nil
}
