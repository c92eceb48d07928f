// Command crawler runs the polite, multi-domain web crawler described by
// conf.json: it partitions configured seed URLs by registrable domain and
// crawls each one concurrently under a global permit gate.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ddoxey/polite-crawler/internal/cache"
	"github.com/ddoxey/polite-crawler/internal/certtrust"
	"github.com/ddoxey/polite-crawler/internal/config"
	"github.com/ddoxey/polite-crawler/internal/crawler"
	"github.com/ddoxey/polite-crawler/internal/logging"
	"github.com/ddoxey/polite-crawler/internal/seeds"
	"github.com/ddoxey/polite-crawler/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := logging.New()

	var allowList []string
	for _, a := range args {
		allowList = append(allowList, strings.ToLower(a))
	}
	if len(allowList) == 0 {
		log.Info("crawler starting for all configured domains")
	} else {
		log.Info("crawling only configured domains", "domains", strings.Join(allowList, ", "))
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log.Info("configuration loaded",
		"cache_dir", cfg.CacheDir,
		"data_dir", cfg.DataDir,
		"script_dir", cfg.ScriptDir,
		"pem_dir", cfg.PemDir,
	)

	seedStore, err := seeds.New(cfg.DataDir, log)
	if err != nil {
		log.Error("failed to load seed store", "error", err)
		return 1
	}

	cacheMgr := cache.New(cfg.CacheDir, cfg.CacheAgeLimit.Duration())
	trust := certtrust.New(cfg.PemDir, systemCABundlePath())

	ua, err := crawler.NewUAgent(cfg.UserAgentList)
	if err != nil {
		log.Error("failed to load user agent list", "error", err)
		return 1
	}

	sup := supervisor.New(cfg, seedStore, cacheMgr, trust, ua, log, logging.DebugEnabled(), 0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sup.Run(ctx, allowList); err != nil {
		if errors.Is(err, supervisor.ErrNoBatches) {
			log.Warn("no URLs configured", "data_dir", cfg.DataDir)
			return 1
		}
		log.Error("supervisor failed", "error", err)
		return 1
	}

	return 0
}

// systemCABundlePath returns the conventional system CA bundle location
// CertTrust layers fetched intermediates on top of. Distributions vary;
// the first path that exists wins, matching the original implementation's
// hardcoded CentOS path generalized across common Linux layouts.
func systemCABundlePath() string {
	candidates := []string{
		"/etc/pki/tls/certs/ca-bundle.crt",
		"/etc/ssl/certs/ca-certificates.crt",
		"/etc/ssl/cert.pem",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
