package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/ValerySidorin/yoink/pkg/coordinator"
	"github.com/ValerySidorin/yoink/pkg/manifest"
	util_log "github.com/ValerySidorin/yoink/pkg/util/log"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitEntriesFailed = 1
	ExitBadManifest   = 2
	ExitInvalidArgs   = 3
	ExitRunError      = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		manifestPath string
		outDir       string
		naming       string

		logCfg   util_log.Config
		coordCfg coordinator.Config
	)

	fs := flag.NewFlagSet("yoink", flag.ContinueOnError)
	fs.StringVar(&manifestPath, "manifest", "downloads.yaml", "Path to the YAML download manifest.")
	fs.StringVar(&outDir, "out-dir", "", "Base directory for relative category folders.")
	fs.StringVar(&naming, "naming", "", "Override filename mode for all categories (item, title).")
	logCfg.RegisterFlags(fs)
	coordCfg.RegisterFlags(fs)

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	util_log.InitLogger(&logCfg)
	logger := util_log.Logger

	if naming != "" && naming != manifest.FilenameModeItem && naming != manifest.FilenameModeTitle {
		fmt.Fprintf(os.Stderr, "invalid naming mode: %s\n", naming)
		return ExitInvalidArgs
	}

	cfg, err := manifest.Load(manifestPath)
	if err != nil {
		level.Error(logger).Log("msg", "load manifest", "path", manifestPath, "err", err)
		return ExitBadManifest
	}

	entries, err := cfg.Entries()
	if err != nil {
		level.Error(logger).Log("msg", "load manifest", "path", manifestPath, "err", err)
		return ExitBadManifest
	}

	for i := range entries {
		if naming != "" {
			entries[i].FilenameMode = naming
		}

		if outDir != "" && !filepath.IsAbs(entries[i].Folder) {
			entries[i].Folder = filepath.Join(outDir, entries[i].Folder)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, err := coordinator.New(coordCfg, prometheus.NewPedanticRegistry(), logger)
	if err != nil {
		level.Error(logger).Log("msg", "init coordinator", "err", err)
		return ExitRunError
	}
	defer coord.Close()

	results, err := coord.Run(ctx, entries)
	if err != nil {
		level.Error(logger).Log("msg", "run", "err", err)
		return ExitRunError
	}

	failed := lo.CountBy(results, func(r coordinator.Result) bool {
		return r.Outcome == coordinator.OutcomeFailed
	})
	if failed > 0 {
		return ExitEntriesFailed
	}

	level.Info(logger).Log("msg", "all downloads processed")
	return ExitSuccess
}
