// Command mercator drives a link-quality measurement run against a
// cluster of IEEE 802.15.4 radios and writes the results to a
// gzip-compressed JSON-lines log.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/yatch/mercator/config"
	"github.com/yatch/mercator/controller"
	"github.com/yatch/mercator/logging"
	"github.com/yatch/mercator/metrics"
	"github.com/yatch/mercator/outfile"
	"github.com/yatch/mercator/platform"
)

var (
	configPath  = kingpin.Flag("config", "path to the run's YAML configuration file").Short('c').Required().String()
	outPath     = kingpin.Flag("output", "path to the output .jsonl.gz file").Short('o').Default("output.jsonl.gz").String()
	force       = kingpin.Flag("force", "overwrite an existing output file").Short('f').Bool()
	quiet       = kingpin.Flag("quiet", "suppress info-level logging").Short('q').Bool()
	metricsAddr = kingpin.Flag("metrics-addr", "address to serve /metrics on (empty disables it)").Default("").String()
)

const (
	exitOK            = 0
	exitConfigError   = 1
	exitProtocolError = 2
)

func main() {
	kingpin.Version("mercator 1.0")
	kingpin.Parse()

	logger, err := logging.New(*quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mercator: failed to initialize logger: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer logger.Sync()

	runID := uuid.New().String()
	logger.Infow("starting mercator run", "run_id", runID, "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorw("invalid configuration", "error", err)
		os.Exit(exitConfigError)
	}

	nodes, err := platform.SetupNodes(cfg.Platform, logger)
	if err != nil {
		logger.Errorw("platform setup failed", "error", err)
		os.Exit(exitConfigError)
	}
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()

	sink, err := outfile.Open(*outPath, cfg, *force)
	if err != nil {
		logger.Errorw("cannot open output file", "error", err)
		os.Exit(exitConfigError)
	}

	registry := prometheus.NewRegistry()
	progress := metrics.NewProgress(registry, runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddr != "" {
		go func() {
			if err := metrics.ServeHTTP(ctx, *metricsAddr, registry); err != nil {
				logger.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	c := controller.New(nodes, cfg.Measurement, sink, logger, progress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.RequestStop()
	}()

	// os.Exit skips deferred calls, so the sink is closed explicitly on
	// both paths to finish the gzip stream.
	runErr := c.Run(ctx)
	if err := sink.Close(); err != nil {
		logger.Errorw("closing output file failed", "error", err)
	}
	if runErr != nil {
		logger.Errorw("measurement run failed", "error", runErr)
		os.Exit(exitProtocolError)
	}

	logger.Infow("measurement run complete", "run_id", runID)
	os.Exit(exitOK)
}
