package diag

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/gni-go/gni"
	"github.com/rocketbitz/gni-go/pmi"
)

// Scenario is one diagnostic program executed by every rank of a job.
type Scenario interface {
	Name() string
	Run(ctx context.Context, r *Rank) error
}

// Rank is the per-rank environment handed to a scenario.
type Rank struct {
	Proc        pmi.Provider
	Fabric      *gni.Fabric
	Credentials pmi.Credentials
	Options     Options
	Results     *Results

	tel *telemetry
}

// Event logs a scenario specific event for the rank.
func (r *Rank) Event(event string, keyvals ...any) {
	fields := make([]logField, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields = append(fields, logKV(fmt.Sprint(keyvals[i]), keyvals[i+1]))
	}
	r.tel.trace(event, fields...)
}

// Run launches opts.Ranks ranks on a fresh fabric, runs scenario on each and
// returns the accumulated results. A rank whose scenario fails aborts the
// job so that peers blocked in collectives are released; only the failing
// rank is counted as aborted. An abort raised outside a scenario return is
// counted against the rank that raised it.
func Run(ctx context.Context, opts Options, cfg Config, scenario Scenario) (Summary, error) {
	if scenario == nil {
		return Summary{}, errors.New("diag: nil scenario")
	}
	if err := opts.Validate(); err != nil {
		return Summary{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tel := newTelemetry(cfg, scenario.Name(), opts.Generation.String())
	job, err := pmi.NewJob(pmi.JobConfig{
		Ranks:        opts.Ranks,
		RanksPerNode: opts.RanksPerNode,
		Logger:       tel.structured,
	})
	if err != nil {
		return Summary{}, err
	}
	creds, err := job.Credentials()
	if err != nil {
		return Summary{}, fmt.Errorf("job credentials: %w", err)
	}
	fabric := gni.NewFabric(gni.WithGeneration(opts.Generation))
	results := NewResults()

	tel.span = tel.startSpan(
		TraceAttribute{Key: "ranks", Value: opts.Ranks},
		TraceAttribute{Key: "job_id", Value: job.ID().String()},
	)
	tel.metricScenarioStarted()
	tel.event("scenario_started", logKV("ranks", opts.Ranks), logKV("nodes", job.Nodes()), logKV("job_id", job.ID()))

	runErr := job.Run(ctx, func(ctx context.Context, p *pmi.Process) error {
		rank := &Rank{
			Proc:        p,
			Fabric:      fabric,
			Credentials: creds,
			Options:     opts,
			Results:     results,
			tel:         tel.forRank(p.Rank()),
		}
		if _, err := p.Init(); err != nil {
			return err
		}
		err := scenario.Run(ctx, rank)
		if err == nil {
			return p.Finalize()
		}
		if errors.Is(err, pmi.ErrAborted) {
			return err
		}
		results.Abort(p.Rank(), err)
		rank.tel.failure("rank_aborted", err)
		p.Abort(1, err.Error())
		return err
	})

	var abort *pmi.AbortError
	if errors.As(runErr, &abort) && results.Summary().Aborted == 0 {
		results.Abort(abort.Rank, abort)
	}
	summary := results.Summary()
	tel.metricScenarioStopped(logKV(labelStatus, statusOf(summary)))
	tel.event("scenario_stopped", logKV("summary", summary.String()))
	if tel.span != nil {
		var spanErr error
		if summary.ExitCode() > 0 {
			spanErr = fmt.Errorf("%s: %s", scenario.Name(), summary)
		}
		tel.span.End(spanErr)
	}
	if runErr != nil && summary.Aborted == 0 {
		return summary, runErr
	}
	return summary, nil
}

func statusOf(s Summary) string {
	switch {
	case s.Aborted > 0:
		return "aborted"
	case s.Failed > 0:
		return "failed"
	default:
		return "passed"
	}
}
