package pmi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// JobConfig describes an in-process job.
type JobConfig struct {
	Ranks        int
	RanksPerNode int
	// ID seeds the job credentials. A random id is used when zero.
	ID     uuid.UUID
	Logger Logger
}

// Job launches ranks as goroutines sharing one process.
type Job struct {
	cfg JobConfig

	mu      sync.Mutex
	round   *round
	aborted chan struct{}
	abort   *AbortError
	first   bool
}

type round struct {
	values  [][]byte
	arrived int
	size    int
	done    chan struct{}
	err     error
}

func newRound(size int) *round {
	return &round{values: make([][]byte, size), done: make(chan struct{})}
}

// NewJob validates cfg and prepares a job.
func NewJob(cfg JobConfig) (*Job, error) {
	if cfg.Ranks <= 0 {
		return nil, fmt.Errorf("pmi: job requires at least one rank, got %d", cfg.Ranks)
	}
	if cfg.RanksPerNode <= 0 {
		cfg.RanksPerNode = cfg.Ranks
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	return &Job{
		cfg:     cfg,
		round:   newRound(cfg.Ranks),
		aborted: make(chan struct{}),
	}, nil
}

// ID returns the job identifier.
func (j *Job) ID() uuid.UUID {
	return j.cfg.ID
}

// Size returns the number of ranks.
func (j *Job) Size() int {
	return j.cfg.Ranks
}

// Nodes returns the number of nodes the ranks are spread across.
func (j *Job) Nodes() int {
	return (j.cfg.Ranks + j.cfg.RanksPerNode - 1) / j.cfg.RanksPerNode
}

// Credentials returns the protection tag and cookie shared by every rank.
func (j *Job) Credentials() (Credentials, error) {
	return DeriveCredentials(j.cfg.ID), nil
}

// Run executes fn once per rank and waits for every rank to return. It
// returns the abort error if a rank aborted, otherwise the errors of failed ranks.
func (j *Job) Run(ctx context.Context, fn func(ctx context.Context, p *Process) error) error {
	if fn == nil {
		return errors.New("pmi: nil rank function")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	errs := make([]error, j.cfg.Ranks)
	var wg sync.WaitGroup
	for rank := 0; rank < j.cfg.Ranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			p := &Process{job: j, rank: rank}
			if err := fn(ctx, p); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
			}
		}(rank)
	}
	wg.Wait()

	if abort := j.Aborted(); abort != nil {
		return abort
	}
	return errors.Join(errs...)
}

// Aborted returns the abort record when a rank aborted the job.
func (j *Job) Aborted() *AbortError {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.abort
}

func (j *Job) node(rank int) int {
	return rank / j.cfg.RanksPerNode
}

func (j *Job) gather(ctx context.Context, rank int, local []byte) ([][]byte, error) {
	j.mu.Lock()
	if j.abort != nil {
		err := j.abort
		j.mu.Unlock()
		return nil, err
	}
	r := j.round
	if r.arrived == 0 {
		r.size = len(local)
	} else if len(local) != r.size && r.err == nil {
		r.err = fmt.Errorf("pmi: all-gather value of rank %d has %d bytes, want %d", rank, len(local), r.size)
	}
	r.values[rank] = append([]byte(nil), local...)
	r.arrived++
	if r.arrived == j.cfg.Ranks {
		j.round = newRound(j.cfg.Ranks)
		close(r.done)
	}
	j.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.values, nil
	case <-j.aborted:
		return nil, j.Aborted()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *Job) doAbort(rank, code int, msg string) {
	j.mu.Lock()
	if j.abort != nil {
		j.mu.Unlock()
		return
	}
	j.abort = &AbortError{Rank: rank, Code: code, Msg: msg}
	close(j.aborted)
	j.mu.Unlock()
	if j.cfg.Logger != nil {
		j.cfg.Logger.Debugw("pmi job", "event", "abort", "rank", rank, "code", code, "msg", msg)
	}
}

// Process is one rank's view of a Job. It implements Provider.
type Process struct {
	job       *Job
	rank      int
	finalized bool
}

var _ Provider = (*Process)(nil)

// Init reports whether this rank is the first spawned process of the job.
func (p *Process) Init() (bool, error) {
	j := p.job
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.abort != nil {
		return false, j.abort
	}
	first := !j.first && p.rank == 0
	if first {
		j.first = true
	}
	return first, nil
}

func (p *Process) Rank() int { return p.rank }

func (p *Process) Size() int { return p.job.cfg.Ranks }

func (p *Process) Node() int { return p.job.node(p.rank) }

func (p *Process) CliqueSize() int { return len(p.CliqueRanks()) }

func (p *Process) CliqueRanks() []int {
	node := p.Node()
	per := p.job.cfg.RanksPerNode
	var ranks []int
	for r := node * per; r < (node+1)*per && r < p.job.cfg.Ranks; r++ {
		ranks = append(ranks, r)
	}
	return ranks
}

func (p *Process) AllGather(ctx context.Context, local []byte) ([][]byte, error) {
	if p.finalized {
		return nil, ErrFinalized
	}
	return p.job.gather(ensureContext(ctx), p.rank, local)
}

func (p *Process) Barrier(ctx context.Context) error {
	if p.finalized {
		return ErrFinalized
	}
	_, err := p.job.gather(ensureContext(ctx), p.rank, nil)
	return err
}

func (p *Process) Abort(code int, msg string) {
	p.job.doAbort(p.rank, code, msg)
}

// Finalize marks the rank as finished. Later collectives fail with ErrFinalized.
func (p *Process) Finalize() error {
	if p.finalized {
		return ErrFinalized
	}
	p.finalized = true
	return nil
}

// Credentials returns the job-wide protection tag and cookie.
func (p *Process) Credentials() (Credentials, error) {
	return p.job.Credentials()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
