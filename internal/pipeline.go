package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/binwatch/binwatch/config"
	"github.com/binwatch/binwatch/internal/aggregate"
	"github.com/binwatch/binwatch/internal/mailer"
	"github.com/binwatch/binwatch/internal/report"
	"github.com/binwatch/binwatch/pkg/auditor"
	"github.com/binwatch/binwatch/pkg/history"

	log "github.com/sirupsen/logrus"
)

// Pipeline runs one audit-and-report cycle: lock the state store,
// audit every target, aggregate against history, compose and deliver
// the report, then commit history per policy.
type Pipeline struct {
	Conf   *config.Config
	Sender mailer.Sender

	// Now and Probe are overridden in tests.
	Now   func() time.Time
	Probe func(path string) (string, bool)
}

func NewPipeline(conf *config.Config) *Pipeline {
	return &Pipeline{
		Conf:   conf,
		Sender: mailer.New(conf.Mail),
		Now:    time.Now,
	}
}

func (p *Pipeline) Run(ctx context.Context) error {
	conf := p.Conf

	lock, err := history.Acquire(conf.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := history.Open(conf.State.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	hist, err := store.Load()
	if err != nil {
		return err
	}

	inv := &auditor.Invoker{
		Exe:               conf.Auditor.Path,
		Args:              conf.Auditor.Args,
		Database:          conf.Auditor.Database,
		Timeout:           conf.Auditor.Timeout.Get(),
		FindingsExitCodes: conf.Auditor.FindingsExitCodes,
		Debug:             conf.Auditor.Debug,
		Probe:             p.Probe,
	}
	// One auditor serves every target; if it is missing the whole run
	// aborts here, before any state is touched.
	if err := inv.Preflight(); err != nil {
		return err
	}

	targets, err := expandTargets(conf.Targets)
	if err != nil {
		return err
	}

	log.Printf(config.Green("Begin to audit %d targets"), len(targets))
	outcomes := p.scanAll(ctx, inv, targets)

	snap := aggregate.Build(p.Now().UTC(), outcomes, hist)
	rep := report.Compose(snap, conf)

	var sinkErr error
	if err := report.WriteFile(conf, rep); err != nil {
		log.Printf("failed to write report file: %v", err)
		sinkErr = err
	}
	if err := report.RunCommand(ctx, conf, rep); err != nil {
		log.Printf("failed to run report command: %v", err)
		sinkErr = err
	}

	delivered := true
	var deliveryErr error
	switch {
	case conf.Mail.Disabled:
		log.Printf("mail sending is disabled; not sending report e-mail")
	case snap.Clean() && !conf.ReportCleanRun():
		log.Printf("clean run and report_on_clean_run is off; not sending report e-mail")
	default:
		if err := p.Sender.Send(ctx, rep); err != nil {
			delivered = false
			deliveryErr = err
		} else {
			log.Printf(config.Green("Report sent to %d recipients"), len(rep.Recipients))
		}
	}

	// History moves forward only for runs whose report went out,
	// unless the operator explicitly chose commit-on-failure to avoid
	// repeat-alert storms during a mail outage.
	if delivered || conf.State.CommitOnDeliveryFailure {
		if err := store.Commit(snap.HistoryUpdates(), snap.Stamp); err != nil {
			return err
		}
	}

	if deliveryErr != nil {
		return deliveryErr
	}
	return sinkErr
}

// scanAll audits every target through a bounded worker pool. Each
// worker owns disjoint result slots, so no locking beyond the job
// channel is needed.
func (p *Pipeline) scanAll(ctx context.Context, inv *auditor.Invoker, targets []auditor.Target) []auditor.Outcome {
	workers := p.Conf.Parallelism
	if workers > len(targets) {
		workers = len(targets)
	}
	if workers < 1 {
		workers = 1
	}

	type job struct {
		idx    int
		target auditor.Target
	}
	jobs := make(chan job)
	outcomes := make([]auditor.Outcome, len(targets))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				log.Printf("auditing %s", j.target.Display())
				outcomes[j.idx] = inv.Scan(ctx, j.target)
			}
		}()
	}

	for i, t := range targets {
		jobs <- job{idx: i, target: t}
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

// expandTargets turns configured paths into concrete targets. A
// directory expands to its regular files in name order, keeping the
// report stable across runs. Missing paths stay in the list so they
// surface as not-auditable outcomes instead of disappearing.
func expandTargets(paths []string) ([]auditor.Target, error) {
	targets := make([]auditor.Target, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			targets = append(targets, auditor.Target{Path: p})
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read target directory %s: %w", p, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			targets = append(targets, auditor.Target{Path: filepath.Join(p, e.Name())})
		}
	}
	return targets, nil
}
