// Package supervisor partitions seed URLs by registrable domain and runs
// one DomainCrawler per domain concurrently, bounded by a permit gate.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/ddoxey/polite-crawler/internal/cache"
	"github.com/ddoxey/polite-crawler/internal/certtrust"
	"github.com/ddoxey/polite-crawler/internal/config"
	"github.com/ddoxey/polite-crawler/internal/crawler"
	"github.com/ddoxey/polite-crawler/internal/scripthost"
	"github.com/ddoxey/polite-crawler/internal/seeds"
	"github.com/ddoxey/polite-crawler/internal/weburl"
)

// ErrNoBatches means SeedStore.BatchesByDomain (after allow-list
// filtering) produced nothing to crawl.
var ErrNoBatches = errors.New("supervisor: no batches configured")

const pollInterval = 250 * time.Millisecond

// Supervisor owns the shared resources every domain worker needs and
// runs them under a global concurrency cap.
type Supervisor struct {
	cfg       *config.Config
	seedStore *seeds.Store
	cacheMgr  *cache.Manager
	certTrust *certtrust.Manager
	uagent    *crawler.UAgent
	limiter   *crawler.DomainLimiter
	log       *slog.Logger
	debug     bool

	gateCapacity int
}

// New builds a Supervisor. gateCapacity <= 0 defaults to the host's
// logical CPU count.
func New(
	cfg *config.Config,
	seedStore *seeds.Store,
	cacheMgr *cache.Manager,
	certTrust *certtrust.Manager,
	uagent *crawler.UAgent,
	log *slog.Logger,
	debug bool,
	gateCapacity int,
) *Supervisor {
	if gateCapacity <= 0 {
		gateCapacity = runtime.NumCPU()
	}
	return &Supervisor{
		cfg:          cfg,
		seedStore:    seedStore,
		cacheMgr:     cacheMgr,
		certTrust:    certTrust,
		uagent:       uagent,
		limiter:      crawler.NewDomainLimiter(),
		log:          log,
		debug:        debug,
		gateCapacity: gateCapacity,
	}
}

// Run partitions seeds by registrable domain, intersects with allowList
// (lower-cased registrable domains; empty means "every configured
// batch"), and crawls each batch under the permit gate. It returns
// ErrNoBatches if nothing survives filtering; individual worker failures
// are logged, never returned.
func (s *Supervisor) Run(ctx context.Context, allowList []string) error {
	batches := s.seedStore.BatchesByDomain()

	if len(allowList) > 0 {
		allowed := make(map[string]bool, len(allowList))
		for _, d := range allowList {
			allowed[strings.ToLower(d)] = true
		}
		filtered := make(map[string][]weburl.URL, len(batches))
		for domain, urls := range batches {
			if allowed[domain] {
				filtered[domain] = urls
			}
		}
		batches = filtered
	}

	if len(batches) == 0 {
		return ErrNoBatches
	}

	gate := NewGate(s.gateCapacity)
	type running struct {
		domain string
		done   chan struct{}
	}
	var workers []running

	for domain, urls := range batches {
		gate.Acquire()
		done := make(chan struct{})
		workers = append(workers, running{domain: domain, done: done})
		go s.runWorker(ctx, gate, domain, urls, done)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	remaining := workers
	for len(remaining) > 0 {
		<-ticker.C
		var stillRunning []running
		for _, w := range remaining {
			select {
			case <-w.done:
			default:
				stillRunning = append(stillRunning, w)
			}
		}
		if len(stillRunning) == len(remaining) && len(stillRunning) > 0 {
			names := make([]string, len(stillRunning))
			for i, w := range stillRunning {
				names[i] = w.domain
			}
			s.log.Info("waiting on domains", "count", len(stillRunning), "domains", strings.Join(names, ", "))
		}
		remaining = stillRunning
	}
	return nil
}

// runWorker constructs a ScriptHost and, if it has a script, a
// DomainCrawler, runs the crawl, and releases its permit on any
// termination including a panic.
func (s *Supervisor) runWorker(ctx context.Context, gate *Gate, domain string, urls []weburl.URL, done chan struct{}) {
	defer close(done)
	defer gate.Release()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker panicked", "domain", domain, "panic", r)
		}
	}()

	s.log.Info("crawler starting", "domain", domain)

	host, err := scripthost.New(s.cfg.ScriptDir, domain, s.debug)
	if err != nil {
		s.log.Error("script host load failed", "domain", domain, "error", err)
		return
	}
	defer host.Close()

	if !host.HasScript() {
		s.log.Warn("no script for domain", "domain", domain)
		return
	}

	dc := crawler.NewDomainCrawler(
		domain,
		urls,
		s.cfg.RateLimitFor(domain).Duration(),
		s.limiter,
		s.uagent,
		s.cacheMgr,
		host,
		s.seedStore,
		s.certTrust,
		s.log,
	)
	dc.Crawl(ctx)

	s.log.Info("crawler finished", "domain", domain)
}
