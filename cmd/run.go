// Package cmd implements the ambient CLI and monitor layer: cobra
// commands wiring configuration and every external collaborator into a
// cycle.Driver, with signal-handling for graceful shutdown and a
// database polling loop for live progress.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cyclebuild/builder"
	"cyclebuild/buildlog"
	"cyclebuild/config"
	"cyclebuild/cycle"
	"cyclebuild/cyclestate"
	"cyclebuild/notify"
	"cyclebuild/recipe"
	"cyclebuild/scm"
	"cyclebuild/upstream"
)

// runFlags holds the cobra-bound flags for `cyclebuild run`.
type runFlags struct {
	dir           string
	configPath    string
	webhookURL    string
	githubToken   string
	githubRepo    string
	githubIssue   int
	noDB          bool
	maxConcurrent int
}

// NewRunCmd builds the `run` subcommand: a single-shot "parse args,
// build collaborators, run, print stats" command backed by
// cycle.Driver.Run.
func NewRunCmd() *cobra.Command {
	flags := &runFlags{}

	c := &cobra.Command{
		Use:   "run [pkgbase...]",
		Short: "Run one build cycle",
		Long:  "Run one build cycle: sync recipes, collect build reasons, and drive the worker pool until the ready queue drains.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd.Context(), flags, args)
		},
	}

	c.Flags().StringVar(&flags.dir, "dir", ".", "working directory holding the recipe repository, lock, store, and logs")
	c.Flags().StringVar(&flags.configPath, "config", "", "path to the INI config file (default <dir>/cyclebuild.ini)")
	c.Flags().StringVar(&flags.webhookURL, "webhook-url", "", "optional webhook URL for build failure notifications")
	c.Flags().StringVar(&flags.githubToken, "github-token", "", "optional GitHub OAuth2 token for issue notifications")
	c.Flags().StringVar(&flags.githubRepo, "github-repo", "", "optional owner/repo for GitHub issue notifications")
	c.Flags().IntVar(&flags.githubIssue, "github-issue", 0, "optional fixed issue number to comment on instead of filing new issues")
	c.Flags().BoolVar(&flags.noDB, "no-db", false, "disable the optional run-history database even if lilac.dburl is configured")
	c.Flags().IntVar(&flags.maxConcurrent, "max-concurrency", 0, "override lilac.max_concurrency")

	return c
}

func runCycle(ctx context.Context, flags *runFlags, args []string) error {
	configPath := flags.configPath
	if configPath == "" {
		configPath = filepath.Join(flags.dir, "cyclebuild.ini")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if flags.maxConcurrent > 0 {
		cfg.MaxConcurrency = flags.maxConcurrent
	}

	for k, v := range cfg.EnvVars {
		os.Setenv(k, v)
	}

	store, err := cyclestate.Open(flags.dir)
	if err != nil {
		if err == cyclestate.ErrLockHeld {
			return fmt.Errorf("another cyclebuild run is already in progress in %s", flags.dir)
		}
		return fmt.Errorf("opening cycle state store: %w", err)
	}
	defer store.Close()

	cycleDir, err := buildlog.OpenCycleDir(flags.dir, time.Now())
	if err != nil {
		return fmt.Errorf("opening cycle log directory: %w", err)
	}
	defer cycleDir.Close()
	cycleDir.RedirectStdio()

	buildLogger, err := buildlog.Open(flags.dir)
	if err != nil {
		return fmt.Errorf("opening build log: %w", err)
	}
	defer buildLogger.Close()

	var db *cyclestate.DB
	if !flags.noDB && cfg.DBURL != "" {
		db, err = cyclestate.OpenDB(cfg.DBURL)
		if err != nil {
			return fmt.Errorf("opening run database: %w", err)
		}
		defer db.Close()
	}

	gitSCM, err := scm.OpenGitSCM(flags.dir)
	if err != nil {
		return fmt.Errorf("opening recipe repository: %w", err)
	}

	sinks := []notify.Sink{notify.LogSink{Logger: buildLogger}}
	if flags.webhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(flags.webhookURL))
	}
	if flags.githubToken != "" && flags.githubRepo != "" {
		ghSink, err := notify.NewGitHubIssueSink(ctx, flags.githubToken, flags.githubRepo)
		if err != nil {
			return fmt.Errorf("configuring github notification sink: %w", err)
		}
		ghSink.IssueNumber = flags.githubIssue
		sinks = append(sinks, ghSink)
	}
	var sink notify.Sink = notify.MultiSink{Sinks: sinks}

	// recipe.Catalog, upstream.Checker and builder.Builder are external
	// collaborators outside this kernel's scope: real deployments embed
	// cycle.Driver as a library and supply their own. The CLI wires the
	// reference/in-memory implementations so `cyclebuild run` is runnable
	// end-to-end, e.g. against a fixture catalog assembled by a thin
	// wrapper binary.
	catalog := loadCatalog(flags.dir)
	checker := upstream.NoopChecker{}
	var builderImpl builder.Builder = &logWrappedBuilder{
		inner:    builder.NewStaticBuilder(),
		cycleDir: cycleDir,
	}

	var cmdline []recipe.PkgBase
	for _, a := range args {
		cmdline = append(cmdline, recipe.PkgBase(a))
	}

	driver := &cycle.Driver{
		Config:  cfg,
		Store:   store,
		DB:      db,
		Catalog: catalog,
		SCM:     gitSCM,
		Checker: checker,
		Builder: builderImpl,
		Notify:  sink,
		Log:     buildLogger,
		Cmdline: cmdline,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		fmt.Fprintf(os.Stderr, "\nreceived signal %v, letting in-flight builds finish...\n", sig)
		cancel()
	}()

	start := time.Now()
	stats, runErr := driver.Run(runCtx)
	elapsed := time.Since(start)

	// Restore stdio before the summary so it reaches the invoking
	// terminal rather than the cycle log.
	cycleDir.Close()
	fmt.Printf("\ncycle finished in %s: %d built, %d failed\n", elapsed.Round(time.Second), stats.Built, stats.Failed)
	if runErr != nil {
		return fmt.Errorf("cycle: %w", runErr)
	}
	return nil
}

// logWrappedBuilder opens one per-package log under the cycle directory
// around each build and stamps its path into the outcome, so build
// failure reports reference a real file.
type logWrappedBuilder struct {
	inner    builder.Builder
	cycleDir *buildlog.CycleDir
}

func (b *logWrappedBuilder) Build(pkgbase recipe.PkgBase, workerID int) (builder.Outcome, error) {
	pl, err := b.cycleDir.PackageLog(string(pkgbase))
	if err != nil {
		return b.inner.Build(pkgbase, workerID)
	}
	defer pl.Close()
	pl.WriteHeader()

	start := time.Now()
	out, buildErr := b.inner.Build(pkgbase, workerID)
	elapsed := time.Since(start)
	if out.Elapsed == 0 {
		out.Elapsed = elapsed
	}

	if out.Kind == builder.Failed {
		msg := out.Message
		if out.Err != nil {
			msg = out.Err.Error()
		}
		pl.WriteFailure(elapsed, msg)
	} else {
		pl.WriteSuccess(elapsed)
	}
	if out.LogFile == "" {
		out.LogFile = pl.Path()
	}
	return out, buildErr
}

// loadCatalog returns the recipe catalog driving this cycle. Parsing
// real per-package recipe metadata is out of scope here; managed
// pkgbases are taken from the top-level directory entries of dir, each
// an empty recipe with no declared dependencies, so a bare checkout is
// at least schedulable end-to-end. Embedders with real recipe metadata
// should construct their own recipe.Catalog and call cycle.Driver
// directly instead of this CLI.
func loadCatalog(dir string) recipe.Catalog {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return recipe.NewMemCatalog()
	}
	var recipes []*recipe.Recipe
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		recipes = append(recipes, &recipe.Recipe{PkgBase: recipe.PkgBase(e.Name())})
	}
	return recipe.NewMemCatalog(recipes...)
}
