package diag

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/gni-go/gni"
	"github.com/rocketbitz/gni-go/reduce"
)

// RMA runs a put or get ring: every rank transfers Transfers iterations of
// Length words to (or from) its right neighbour and verifies what arrived.
type RMA struct {
	// Type is PostRdmaPut, PostRdmaGet or PostFmaPut.
	Type gni.PostType
}

var (
	RdmaPut = RMA{Type: gni.PostRdmaPut}
	RdmaGet = RMA{Type: gni.PostRdmaGet}
	FmaPut  = RMA{Type: gni.PostFmaPut}
)

// overrunEntries is the destination queue capacity used to provoke overruns.
const overrunEntries = 1

func (s RMA) Name() string {
	switch s.Type {
	case gni.PostRdmaPut:
		return "rdma_put"
	case gni.PostRdmaGet:
		return "rdma_get"
	case gni.PostFmaPut:
		return "fma_put"
	default:
		return s.Type.String()
	}
}

func (s RMA) get() bool { return s.Type == gni.PostRdmaGet }

func (s RMA) post(ep *gni.Endpoint, desc *gni.PostDescriptor) error {
	if s.Type == gni.PostFmaPut {
		return ep.PostFma(desc)
	}
	return ep.PostRdma(desc)
}

// rmaLayout places the data slices of every iteration followed by one flag
// word per iteration.
type rmaLayout struct {
	words      int
	iterations int
}

func (l rmaLayout) size() int { return (l.words + 1) * l.iterations * 8 }

func (l rmaLayout) data(iter int) uint64 { return uint64(iter*l.words) * 8 }

func (l rmaLayout) flag(iter int) uint64 { return uint64(l.words*l.iterations+iter) * 8 }

func (s RMA) Run(ctx context.Context, r *Rank) error {
	opts := r.Options
	cfg := ContextConfig{
		SrcEntries: max(opts.CqEntries, 2*opts.Transfers),
		Endpoints:  true,
		Scheme:     opts.Scheme(),
	}
	if opts.DestCQ {
		cfg.DstEntries = max(opts.CqEntries, 2*opts.Transfers)
		if opts.Overrun {
			cfg.DstEntries = overrunEntries
		}
	}
	fc, err := r.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer fc.Release()

	layout := rmaLayout{words: opts.Length, iterations: opts.Transfers}
	source, err := fc.Register(make([]byte, layout.size()))
	if err != nil {
		return err
	}
	target, err := fc.Register(make([]byte, layout.size()))
	if err != nil {
		return err
	}
	if err := fillPatterns(source, layout, fc.Rank); err != nil {
		return err
	}
	sources, err := ExchangeMemory(ctx, fc.Proc, source)
	if err != nil {
		return err
	}
	targets, err := ExchangeMemory(ctx, fc.Proc, target)
	if err != nil {
		return err
	}
	if err := fc.Barrier(ctx); err != nil {
		return err
	}

	reaper := NewReaper(fc)
	if s.get() {
		err = s.runGet(ctx, fc, reaper, layout, target, sources)
	} else {
		err = s.runPut(ctx, fc, reaper, layout, source, target, targets)
	}
	if err != nil {
		return err
	}
	if opts.DestCQ {
		if err := drainDestination(ctx, fc, reaper); err != nil {
			return err
		}
	}
	return fc.Barrier(ctx)
}

func fillPatterns(region *gni.MemoryRegion, layout rmaLayout, rank int) error {
	buf := make([]byte, layout.size())
	for iter := 0; iter < layout.iterations; iter++ {
		word := reduce.Pattern(rank, iter)
		for w := 0; w < layout.words; w++ {
			binary.LittleEndian.PutUint64(buf[int(layout.data(iter))+w*8:], word)
		}
		binary.LittleEndian.PutUint64(buf[layout.flag(iter):], word)
	}
	return region.WriteAt(buf, 0)
}

func (s RMA) descriptor(fc *FabricContext, peer, iter int) *gni.PostDescriptor {
	mode := gni.CqModeLocalEvent
	if fc.Options.DestCQ {
		mode = gni.CqModeGlobalEvent
	}
	desc := &gni.PostDescriptor{
		Type:     s.Type,
		CqMode:   mode,
		DlvrMode: gni.DlvrModePerformance,
		PostID:   uint64(iter),
	}
	if fc.Options.EventIDs {
		desc.UseEventIDs = true
		desc.SrcCqData = fc.Scheme.Local(fc.Rank, peer)
		desc.RemoteEventID = fc.Scheme.Remote(fc.Rank, peer)
	}
	return desc
}

func (s RMA) issue(ctx context.Context, fc *FabricContext, reaper *Reaper, peer int, desc *gni.PostDescriptor) error {
	if err := s.post(fc.Endpoints[peer], desc); err != nil {
		return fmt.Errorf("post %s to rank %d: %w", desc.Type, peer, err)
	}
	fc.Posted(desc, peer)
	c, err := reaper.ReapLocal(ctx, peer)
	if err != nil {
		return err
	}
	if c.Outcome == OutcomeSuccess && c.Descriptor != desc {
		fc.Check(false, "descriptor", "completion resolved to post %d, want %d", c.Descriptor.PostID, desc.PostID)
	}
	return nil
}

func (s RMA) runPut(ctx context.Context, fc *FabricContext, reaper *Reaper, layout rmaLayout, source, target *gni.MemoryRegion, targets []gni.RemoteMemory) error {
	right, left := fc.Right(), fc.Left()
	dst := targets[right]
	for iter := 0; iter < layout.iterations; iter++ {
		data := s.descriptor(fc, right, iter)
		data.LocalAddr = source.Address() + layout.data(iter)
		data.LocalMemHandle = source.Handle()
		data.RemoteAddr = dst.Address + layout.data(iter)
		data.RemoteMemHandle = dst.Handle
		data.Length = uint64(layout.words * 8)
		if err := s.issue(ctx, fc, reaper, right, data); err != nil {
			return err
		}

		flag := s.descriptor(fc, right, iter)
		flag.Type = gni.PostFmaPut
		flag.LocalAddr = source.Address() + layout.flag(iter)
		flag.LocalMemHandle = source.Handle()
		flag.RemoteAddr = dst.Address + layout.flag(iter)
		flag.RemoteMemHandle = dst.Handle
		flag.Length = 8
		if err := fc.Endpoints[right].PostFma(flag); err != nil {
			return fmt.Errorf("post flag to rank %d: %w", right, err)
		}
		fc.Posted(flag, right)
		if _, err := reaper.ReapLocal(ctx, right); err != nil {
			return err
		}

		if err := awaitFlag(ctx, fc, target, layout.flag(iter), reduce.Pattern(left, iter)); err != nil {
			return err
		}
		verifySlice(fc, target, layout, iter, left)
		if fc.Options.DestCQ && !fc.Options.Overrun {
			for i := 0; i < 2; i++ {
				if _, err := reaper.ReapRemote(ctx, left); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s RMA) runGet(ctx context.Context, fc *FabricContext, reaper *Reaper, layout rmaLayout, target *gni.MemoryRegion, sources []gni.RemoteMemory) error {
	right := fc.Right()
	src := sources[right]
	for iter := 0; iter < layout.iterations; iter++ {
		desc := s.descriptor(fc, right, iter)
		desc.LocalAddr = target.Address() + layout.data(iter)
		desc.LocalMemHandle = target.Handle()
		desc.RemoteAddr = src.Address + layout.data(iter)
		desc.RemoteMemHandle = src.Handle
		desc.Length = uint64(layout.words * 8)
		if err := s.issue(ctx, fc, reaper, right, desc); err != nil {
			return err
		}
		verifySlice(fc, target, layout, iter, right)
	}
	// Peers read from this rank; their remote events land here once all reads are done.
	if err := fc.Barrier(ctx); err != nil {
		return err
	}
	if fc.Options.DestCQ && !fc.Options.Overrun {
		for iter := 0; iter < layout.iterations; iter++ {
			if _, err := reaper.ReapRemote(ctx, fc.Left()); err != nil {
				return err
			}
		}
	}
	return nil
}

// awaitFlag polls a local flag word until it holds want.
func awaitFlag(ctx context.Context, fc *FabricContext, region *gni.MemoryRegion, offset uint64, want uint64) error {
	err := gni.Poll(ctx, fc.Options.Backoff, func() error {
		v, err := region.Load64(int(offset))
		if err != nil {
			return err
		}
		if v != want {
			return gni.ErrNotDone
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wait for flag at offset %d: %w", offset, err)
	}
	return nil
}

func verifySlice(fc *FabricContext, region *gni.MemoryRegion, layout rmaLayout, iter, sender int) {
	buf := make([]byte, layout.words*8)
	if err := region.ReadAt(buf, int(layout.data(iter))); err != nil {
		fc.Check(false, "data", "iteration %d: read target: %v", iter, err)
		return
	}
	want := reduce.Pattern(sender, iter)
	bad, first := 0, -1
	for w := 0; w < layout.words; w++ {
		if binary.LittleEndian.Uint64(buf[w*8:]) != want {
			if first < 0 {
				first = w
			}
			bad++
		}
	}
	fc.Check(bad == 0, "data", "iteration %d from rank %d: %d of %d words differ from %#x, first at word %d",
		iter, sender, bad, layout.words, want, first)
}

// drainDestination empties the destination queue at the end of a run. In
// overrun mode at least one overrun must have been observed.
func drainDestination(ctx context.Context, fc *FabricContext, reaper *Reaper) error {
	if err := fc.Barrier(ctx); err != nil {
		return err
	}
	events, overruns, err := reaper.Drain(fc.DstCQ)
	if err != nil {
		return err
	}
	if fc.Options.Overrun {
		fc.Check(overruns > 0, "overrun", "no overrun observed on a %d entry queue after %d events", fc.DstCQ.Capacity(), events)
		return nil
	}
	fc.Check(events == 0, "destination_drained", "%d unexpected events left on the destination queue", events)
	return nil
}
