package diag

import (
	"context"
	"fmt"

	"github.com/rocketbitz/gni-go/gni"
	"github.com/rocketbitz/gni-go/reduce"
)

// AMO applies Transfers atomic operations to the right neighbour's target
// words, one word per iteration, and verifies both the fetched pre-images
// and the words its left neighbour updated.
type AMO struct {
	// Command overrides the variant selected by the options when set.
	Command *reduce.AmoCommand
}

func (AMO) Name() string { return "amo" }

func (s AMO) command(opts Options) reduce.AmoCommand {
	if s.Command != nil {
		return *s.Command
	}
	// compare-and-swap only exists in its fetching form
	return reduce.NewAmoCommand(opts.Add, opts.Cswap, opts.Fetch || opts.Cswap, opts.Coherent)
}

func (s AMO) Run(ctx context.Context, r *Rank) error {
	opts := r.Options
	cmd := s.command(opts)
	n := opts.Transfers

	cfg := ContextConfig{
		SrcEntries: max(opts.CqEntries, 2*n),
		Endpoints:  true,
		Scheme:     opts.Scheme(),
	}
	if opts.DestCQ {
		cfg.DstEntries = max(opts.CqEntries, 2*n)
		if opts.Overrun {
			cfg.DstEntries = overrunEntries
		}
	}
	fc, err := r.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer fc.Release()

	target, err := fc.Register(make([]byte, n*8))
	if err != nil {
		return err
	}
	if err := target.Fill(cmd.Initial()); err != nil {
		return err
	}
	fetched, err := fc.Register(make([]byte, n*8))
	if err != nil {
		return err
	}
	targets, err := ExchangeMemory(ctx, fc.Proc, target)
	if err != nil {
		return err
	}
	r.Event("amo_selected", "command", cmd.String(), "fetching", cmd.Fetching())
	if err := fc.Barrier(ctx); err != nil {
		return err
	}

	right := fc.Right()
	dst := targets[right]
	reaper := NewReaper(fc)
	descs := make([]*gni.PostDescriptor, n)
	for iter := 0; iter < n; iter++ {
		desc := cmd.Descriptor(fc.Rank, iter)
		if !opts.DestCQ {
			desc.CqMode = gni.CqModeLocalEvent
		}
		desc.PostID = uint64(iter)
		desc.RemoteAddr = dst.Address + uint64(iter*8)
		desc.RemoteMemHandle = dst.Handle
		if cmd.Fetching() {
			desc.LocalAddr = fetched.Address() + uint64(iter*8)
			desc.LocalMemHandle = fetched.Handle()
		}
		if opts.EventIDs {
			desc.UseEventIDs = true
			desc.SrcCqData = fc.Scheme.Local(fc.Rank, right)
			desc.RemoteEventID = fc.Scheme.Remote(fc.Rank, right)
		}
		if err := fc.Endpoints[right].PostFma(desc); err != nil {
			return fmt.Errorf("post %s to rank %d: %w", cmd, right, err)
		}
		fc.Posted(desc, right)
		descs[iter] = desc
	}
	for range descs {
		if _, err := reaper.ReapLocal(ctx, right); err != nil {
			return err
		}
	}
	for iter, desc := range descs {
		fc.Check(desc.Completed() && !desc.Failed(), "completion", "iteration %d: completed=%t failed=%t", iter, desc.Completed(), desc.Failed())
		if !cmd.Fetching() {
			continue
		}
		got, err := fetched.Load64(iter * 8)
		if err != nil {
			return err
		}
		want := cmd.PreImage()
		fc.Check(got == want, "pre_image", "iteration %d: fetched %#x, want %#x", iter, got, want)
	}

	if err := fc.Barrier(ctx); err != nil {
		return err
	}
	left := fc.Left()
	for iter := 0; iter < n; iter++ {
		got, err := target.Load64(iter * 8)
		if err != nil {
			return err
		}
		want := cmd.Expected(left, iter)
		fc.Check(got == want, "target", "%s word %d from rank %d: got %#x, want %#x", cmd, iter, left, got, want)
	}

	if opts.DestCQ {
		if !opts.Overrun {
			for iter := 0; iter < n; iter++ {
				if _, err := reaper.ReapRemote(ctx, left); err != nil {
					return err
				}
			}
		}
		if err := drainDestination(ctx, fc, reaper); err != nil {
			return err
		}
	}
	return fc.Barrier(ctx)
}
