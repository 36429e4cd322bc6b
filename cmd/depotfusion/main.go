// Command depotfusion converts a Perforce depot path into a Git
// repository, one changelist at a time, via internal/engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kingpin/v2"
	"github.com/perforce/p4prometheus/version"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/depotfusion/config"
	"github.com/rcowham/depotfusion/internal/branchset"
	"github.com/rcowham/depotfusion/internal/depot"
	"github.com/rcowham/depotfusion/internal/engine"
	"github.com/rcowham/depotfusion/internal/gitobj"
	"github.com/rcowham/depotfusion/internal/metrics"
)

func main() {
	var (
		depotPath = kingpin.Flag(
			"path", "Depot path to convert, e.g. //depot/project.").Required().String()
		srcPath = kingpin.Flag(
			"src", "Destination directory for the Git repository.").Required().String()
		port = kingpin.Flag(
			"port", "P4PORT of the depot.").Envar("P4PORT").String()
		user = kingpin.Flag(
			"user", "P4USER to authenticate as.").Envar("P4USER").String()
		client = kingpin.Flag(
			"client", "P4CLIENT whose view constrains which files are visible.").Envar("P4CLIENT").String()
		lookAhead = kingpin.Flag(
			"lookahead", "Number of changelists to keep in flight ahead of the commit it is waiting on.").Default("1").Int()
		branches = kingpin.Flag(
			"branch", "Declare a branch as \"subPath\" or \"subPath:alias\"; repeatable.").Strings()
		noMerge = kingpin.Flag(
			"no-merge", "Commit branch groups without a second merge parent, even when a source branch is known.").Bool()
		networkThreads = kingpin.Flag(
			"network-threads", "Number of worker goroutines (and depot connections) to run concurrently.").Default("1").Int()
		printBatch = kingpin.Flag(
			"print-batch", "Number of files to stream per depot print call.").Default("1").Int()
		maxChanges = kingpin.Flag(
			"max-changes", "Stop after converting this many changelists; -1 means unbounded.").Default("-1").Int()
		retries = kingpin.Flag(
			"retries", "Number of times to retry a failed depot command before giving up.").Default("0").Int()
		refresh = kingpin.Flag(
			"refresh", "Reconnect a depot connection after this many commands.").Default("0").Int()
		fsyncEnable = kingpin.Flag(
			"fsync", "Ask git fast-import to fsync every object it writes.").Bool()
		includeBinaries = kingpin.Flag(
			"include-binaries", "Include binary files in the conversion (they are skipped by default).").Bool()
		flushRate = kingpin.Flag(
			"flush-rate", "Log conversion progress every N changelists.").Default("1").Int()
		noColor = kingpin.Flag(
			"no-color", "Disable colored log output.").Bool()
		defaultBranch = kingpin.Flag(
			"default-branch", "Git branch a changelist commits to when no --branch was declared.").Default(config.DefaultBranch).String()
		configFile = kingpin.Flag(
			"config", "YAML file with default-branch/label-tag-rule settings.").String()
		updateTags = kingpin.Flag(
			"update-tags", "Convert depot labels under --path into Git tags after the run.").Bool()
		labelCache = kingpin.Flag(
			"label-cache", "Path to a binary cache of previously converted labels, to skip refetching unchanged ones.").String()
		metricsAddr = kingpin.Flag(
			"metrics-addr", "If set, serve Prometheus metrics at this address until the run completes.").String()
		profileMode = kingpin.Flag(
			"profile", "Write a CPU profile for the run (via github.com/pkg/profile).").Bool()
		debug = kingpin.Flag(
			"debug", "Enable debug-level logging.").Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("depotfusion")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Converts a Perforce depot path into a Git repository, one changelist at a time.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}
	if formatter, ok := logger.Formatter.(*logrus.TextFormatter); ok {
		formatter.DisableColors = *noColor
	} else {
		logger.Formatter = &logrus.TextFormatter{DisableColors: *noColor}
	}

	if *profileMode {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	logger.Infof("%v", version.Print("depotfusion"))
	logger.Infof("Starting conversion of %s into %s", *depotPath, *srcPath)

	cfg, err := loadAppConfig(*configFile)
	if err != nil {
		logger.WithError(err).Fatal("depotfusion: loading config")
	}
	branch := *defaultBranch
	if cfg.DefaultBranch != "" && *defaultBranch == config.DefaultBranch {
		branch = cfg.DefaultBranch
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Warn("depotfusion: interrupted, shutting down")
		cancel()
	}()

	if err := run(ctx, logger, cfg, runParams{
		depotPath:       *depotPath,
		srcPath:         *srcPath,
		port:            *port,
		user:            *user,
		client:          *client,
		lookAhead:       *lookAhead,
		branches:        *branches,
		noMerge:         *noMerge,
		networkThreads:  *networkThreads,
		printBatch:      *printBatch,
		maxChanges:      *maxChanges,
		retries:         *retries,
		refresh:         *refresh,
		fsyncEnable:     *fsyncEnable,
		includeBinaries: *includeBinaries,
		flushRate:       *flushRate,
		defaultBranch:   branch,
		updateTags:      *updateTags,
		labelCache:      *labelCache,
		metricsAddr:     *metricsAddr,
	}); err != nil {
		logger.WithError(err).Fatal("depotfusion: conversion failed")
	}
}

func loadAppConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadConfigString(nil)
	}
	return config.LoadConfigFile(path)
}

type runParams struct {
	depotPath, srcPath, port, user, client string
	lookAhead                              int
	branches                               []string
	noMerge                                bool
	networkThreads, printBatch, maxChanges int
	retries, refresh                       int
	fsyncEnable, includeBinaries           bool
	flushRate                              int
	defaultBranch                          string
	updateTags                             bool
	labelCache                             string
	metricsAddr                            string
}

// run wires flags and config into the engine's collaborators and drives
// one conversion to completion. Kept separate from main so the wiring is
// exercised without a process-exiting logger.Fatal in the way.
func run(ctx context.Context, logger *logrus.Logger, cfg *config.Config, p runParams) error {
	if p.networkThreads < 1 {
		p.networkThreads = 1
	}

	opts := depot.Options{
		Port:    p.port,
		User:    p.user,
		Client:  p.client,
		Retries: p.retries,
		Refresh: p.refresh,
	}
	clients := make([]depot.Client, p.networkThreads)
	for i := range clients {
		clients[i] = depot.NewCLIClient(opts)
	}
	metaClient := depot.NewCLIClient(opts)
	defer metaClient.Close()

	clientView, err := metaClient.ClientView(ctx)
	if err != nil {
		return fmt.Errorf("fetching client view: %w", err)
	}
	branchSet, err := branchset.New(clientView, p.depotPath, p.branches, p.includeBinaries)
	if err != nil {
		return fmt.Errorf("building branch set: %w", err)
	}

	odb, err := gitobj.Open(ctx, gitobj.Options{
		RepoDir:     p.srcPath,
		FsyncEnable: p.fsyncEnable,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("opening object database: %w", err)
	}

	var reg *metrics.Registry
	if p.metricsAddr != "" {
		reg = metrics.New()
		srv, err := reg.Serve(ctx, p.metricsAddr)
		if err != nil {
			return fmt.Errorf("serving metrics: %w", err)
		}
		logger.WithField("addr", srv.Addr).Info("depotfusion: serving metrics")
	}

	engineCfg := engine.Config{
		DepotPath:      p.depotPath,
		DefaultBranch:  p.defaultBranch,
		Branches:       branchAliases(p.branches, p.defaultBranch),
		LookAhead:      p.lookAhead,
		PrintBatchSize: p.printBatch,
		MaxChanges:     p.maxChanges,
		FlushRate:      p.flushRate,
		NoMerge:        p.noMerge,
		UpdateTags:     p.updateTags,
		LabelCachePath: p.labelCache,
		NormalizeLabel: cfg.NormalizeLabel,
		Logger:         logger,
		Metrics:        reg,
	}
	return engine.Run(ctx, engineCfg, clients, metaClient, branchSet, odb)
}

// branchAliases resolves --branch's "subPath" or "subPath:alias" forms
// into the plain alias list engine.Config.Branches needs for resume and
// tag scanning, falling back to defaultBranch when none were declared.
func branchAliases(specs []string, defaultBranch string) []string {
	if len(specs) == 0 {
		return []string{defaultBranch}
	}
	aliases := make([]string, 0, len(specs))
	for _, spec := range specs {
		b, err := branchset.ParseBranchSpec(spec)
		if err != nil {
			continue // already validated by branchset.New; unreachable in practice
		}
		aliases = append(aliases, b.GitAlias)
	}
	return aliases
}
