package diag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rocketbitz/gni-go/gni"
	"github.com/rocketbitz/gni-go/topology"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvRanks        = "GNI_DIAG_RANKS"
	EnvRanksPerNode = "GNI_DIAG_RANKS_PER_NODE"
	EnvGeneration   = "GNI_DIAG_GENERATION"
)

// Options holds the values selected on an example's command line.
type Options struct {
	Ranks        int
	RanksPerNode int
	Generation   gni.Generation

	// Transfers is the number of transactions each rank issues (-n).
	Transfers int
	// Length is the number of 8-byte words moved by each data transfer.
	Length    int
	Verbosity int

	// EventIDs attaches explicit event ids to every descriptor (-e).
	EventIDs bool
	// DestCQ registers target memory with a destination completion queue (-D).
	DestCQ bool
	// Overrun shrinks the destination queue to provoke overruns (-O).
	Overrun    bool
	Multiplier uint32
	CqEntries  int

	Add      bool
	Cswap    bool
	Coherent bool
	Fetch    bool

	Branches    int
	LeadersOnly bool
	CeCommand   string
	ReductionID uint64

	MetricsAddr string
	Timeout     time.Duration
	Backoff     gni.Backoff
}

// DefaultOptions returns the settings used when no flag is given.
func DefaultOptions() Options {
	return Options{
		Ranks:       4,
		Transfers:   10,
		Length:      512,
		Multiplier:  1000,
		CqEntries:   1024,
		Branches:    1,
		CeCommand:   "and",
		ReductionID: 1,
		Timeout:     30 * time.Second,
		Backoff:     gni.Backoff{Max: time.Millisecond},
	}
}

// Feature selects the flag groups an example exposes.
type Feature uint32

const (
	FeatureTransfers Feature = 1 << iota
	FeatureEventIDs
	FeatureDestCQ
	FeatureAmo
	FeatureCe
)

type verbosityFlag struct {
	target *int
	level  int
}

func (v verbosityFlag) String() string {
	if v.target == nil {
		return "false"
	}
	return strconv.FormatBool(*v.target >= v.level)
}

func (v verbosityFlag) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if on && *v.target < v.level {
		*v.target = v.level
	}
	return nil
}

func (v verbosityFlag) IsBoolFlag() bool { return true }

type generationFlag struct {
	target *gni.Generation
}

func (g generationFlag) String() string {
	if g.target == nil {
		return gni.GenerationAries.String()
	}
	return g.target.String()
}

func (g generationFlag) Set(s string) error {
	gen, err := ParseGeneration(s)
	if err != nil {
		return err
	}
	*g.target = gen
	return nil
}

// ParseGeneration maps "aries" or "gemini" to a hardware generation.
func ParseGeneration(s string) (gni.Generation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aries", "":
		return gni.GenerationAries, nil
	case "gemini":
		return gni.GenerationGemini, nil
	default:
		return 0, fmt.Errorf("unknown hardware generation %q", s)
	}
}

// RegisterFlags binds opts to fs. Job layout, verbosity and telemetry flags
// are always present; features adds the example specific groups.
func RegisterFlags(fs *flag.FlagSet, opts *Options, features Feature) {
	fs.IntVar(&opts.Ranks, "ranks", opts.Ranks, "number of ranks in the job")
	fs.IntVar(&opts.RanksPerNode, "ppn", opts.RanksPerNode, "ranks per node (0 places every rank on one node)")
	fs.Var(generationFlag{&opts.Generation}, "gen", "hardware generation to emulate (aries or gemini)")
	fs.Var(verbosityFlag{&opts.Verbosity, 1}, "v", "log scenario progress")
	fs.Var(verbosityFlag{&opts.Verbosity, 2}, "vv", "log every check")
	fs.Var(verbosityFlag{&opts.Verbosity, 3}, "vvv", "log every transaction")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "serve Prometheus metrics on this address")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "abort the job after this long")

	if features&FeatureTransfers != 0 {
		fs.IntVar(&opts.Transfers, "n", opts.Transfers, "number of transfers per rank")
		fs.IntVar(&opts.Length, "l", opts.Length, "words per data transfer")
	}
	if features&FeatureEventIDs != 0 {
		fs.BoolVar(&opts.EventIDs, "e", opts.EventIDs, "attach explicit event ids to every descriptor")
	}
	if features&FeatureDestCQ != 0 {
		fs.BoolVar(&opts.DestCQ, "D", opts.DestCQ, "register target memory with a destination completion queue")
		fs.BoolVar(&opts.Overrun, "O", opts.Overrun, "provoke destination completion queue overrun")
	}
	if features&FeatureAmo != 0 {
		fs.BoolVar(&opts.Add, "a", opts.Add, "use ADD instead of AND")
		fs.BoolVar(&opts.Cswap, "c", opts.Cswap, "use compare-and-swap")
		fs.BoolVar(&opts.Coherent, "C", opts.Coherent, "use the cache-coherent variant")
		fs.BoolVar(&opts.Fetch, "f", opts.Fetch, "use the fetching variant")
	}
	if features&FeatureCe != 0 {
		fs.IntVar(&opts.Branches, "B", opts.Branches, "reduction tree fan-out between node leaders (1-4)")
		fs.BoolVar(&opts.LeadersOnly, "L", opts.LeadersOnly, "only node leaders contribute to the reduction")
		fs.StringVar(&opts.CeCommand, "r", opts.CeCommand, "reduction command (and, or, xor, iadd, fadd, imin_lidx, ...)")
	}
}

// ApplyEnv overrides job layout settings from the environment.
func ApplyEnv(opts *Options, lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	if v, ok := lookup(EnvRanks); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRanks, err)
		}
		opts.Ranks = n
	}
	if v, ok := lookup(EnvRanksPerNode); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRanksPerNode, err)
		}
		opts.RanksPerNode = n
	}
	if v, ok := lookup(EnvGeneration); ok && v != "" {
		gen, err := ParseGeneration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvGeneration, err)
		}
		opts.Generation = gen
	}
	return nil
}

// Validate reports inconsistent settings.
func (o Options) Validate() error {
	var errs []error
	if o.Ranks < 1 {
		errs = append(errs, fmt.Errorf("ranks must be positive, got %d", o.Ranks))
	}
	if o.RanksPerNode < 0 {
		errs = append(errs, fmt.Errorf("ranks per node must not be negative, got %d", o.RanksPerNode))
	}
	if o.Transfers < 1 {
		errs = append(errs, fmt.Errorf("transfer count must be positive, got %d", o.Transfers))
	}
	if o.Length < 1 {
		errs = append(errs, fmt.Errorf("transfer length must be positive, got %d", o.Length))
	}
	if o.Branches < 1 || o.Branches > topology.MaxBranches {
		errs = append(errs, fmt.Errorf("branches must be within 1..%d, got %d", topology.MaxBranches, o.Branches))
	}
	if o.Overrun && !o.DestCQ {
		errs = append(errs, errors.New("overrun mode requires a destination completion queue"))
	}
	if o.Overrun && o.Transfers < 2 {
		errs = append(errs, errors.New("overrun mode requires at least two transfers"))
	}
	if o.Add && o.Cswap {
		errs = append(errs, errors.New("add and compare-and-swap are mutually exclusive"))
	}
	if o.CqEntries < 1 {
		errs = append(errs, fmt.Errorf("completion queue entries must be positive, got %d", o.CqEntries))
	}
	return errors.Join(errs...)
}

// Scheme returns the event id scheme selected by the options.
func (o Options) Scheme() EventIDScheme {
	return EventIDScheme{Multiplier: o.Multiplier}
}
