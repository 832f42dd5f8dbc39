package diag

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/gni-go/gni"
	"github.com/rocketbitz/gni-go/reduce"
	"github.com/rocketbitz/gni-go/topology"
)

// CE runs one collective reduction over a tree of per-node channels. Node
// leaders own a channel; every participating rank contributes as a leaf and
// checks the gathered result against a local fold of all contributions.
type CE struct {
	// Command overrides the reduction named by the options when set.
	Command *reduce.CeCommand
}

func (CE) Name() string { return "ce_reduce" }

const ceModes = gni.CeModeCQEOnlyOnError | gni.CeModeRoundRobinFromZero

// ceChannelEntries sizes the queue receiving channel faults.
const ceChannelEntries = 64

func (s CE) command(opts Options) (reduce.CeCommand, error) {
	if s.Command != nil {
		return *s.Command, nil
	}
	return reduce.ParseCeCommand(opts.CeCommand)
}

func (s CE) Run(ctx context.Context, r *Rank) error {
	opts := r.Options
	cmd, err := s.command(opts)
	if err != nil {
		return err
	}
	fc, err := r.Open(ctx, ContextConfig{Scheme: opts.Scheme()})
	if err != nil {
		return err
	}
	defer fc.Release()

	tree, err := buildTree(ctx, fc, opts)
	if err != nil {
		return err
	}
	own, err := createChannel(ctx, fc, tree)
	if err != nil {
		return err
	}

	channel, childID, leaf := tree.LeafOf(fc.Rank)
	var leafEp *gni.Endpoint
	if leaf {
		if leafEp, err = fc.Connect(channel.Leader); err != nil {
			return err
		}
		local, remote := fc.Scheme.Local(fc.Rank, channel.Leader), fc.Scheme.Remote(fc.Rank, channel.Leader)
		if err := leafEp.SetEventData(local, remote); err != nil {
			return err
		}
		if err := leafEp.SetCeAttr(own.ids[channel.Leader], childID, gni.CeChildPE); err != nil {
			return fmt.Errorf("join channel of rank %d as child %d: %w", channel.Leader, childID, err)
		}
	}
	if own.ce != nil {
		if err := own.configure(ctx, fc, tree); err != nil {
			return err
		}
	}
	if err := fc.Barrier(ctx); err != nil {
		return err
	}

	if leaf {
		if err := s.contribute(ctx, fc, cmd, leafEp, channel.Leader, tree); err != nil {
			return err
		}
	}
	return fc.Barrier(ctx)
}

// buildTree gathers every rank's node and leadership and derives the tree.
func buildTree(ctx context.Context, fc *FabricContext, opts Options) (*topology.Tree, error) {
	local := make([]byte, 8)
	binary.LittleEndian.PutUint32(local, uint32(fc.Proc.Node()))
	if clique := fc.Proc.CliqueRanks(); len(clique) > 0 && clique[0] == fc.Rank {
		binary.LittleEndian.PutUint32(local[4:], 1)
	}
	all, err := fc.Proc.AllGather(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("exchange node layout: %w", err)
	}
	members := make([]topology.Member, len(all))
	for rank, v := range all {
		members[rank] = topology.Member{
			Rank:   rank,
			Node:   int(binary.LittleEndian.Uint32(v)),
			Leader: binary.LittleEndian.Uint32(v[4:]) == 1,
		}
	}
	tree, err := topology.Build(members, opts.Branches, opts.LeadersOnly)
	if err != nil {
		return nil, err
	}
	if fc.Rank == 0 {
		fc.tel.event("tree_built",
			logKV("channels", len(tree.Channels)),
			logKV("participants", len(tree.Participants())),
			logKV("depth", tree.Depth()),
			logKV("branches", tree.Branches))
	}
	return tree, nil
}

// leaderChannel is the channel a node leader owns together with the queue
// receiving its faults. ids holds every rank's channel id indexed by rank.
type leaderChannel struct {
	ce         *gni.CeHandle
	cq         *gni.CompletionQueue
	ids        []uint32
	configured bool
}

// destroyUnconfigured releases a channel that never reached Configure. A
// configured channel holds its slot endpoints, so configure pushes its
// release after theirs and this step leaves it alone.
func (lc *leaderChannel) destroyUnconfigured() error {
	if lc.configured {
		return nil
	}
	return lc.ce.Destroy()
}

// createChannel creates the channel of a node leader and exchanges channel
// ids; non-leaders publish zero and get a leaderChannel without a channel.
func createChannel(ctx context.Context, fc *FabricContext, tree *topology.Tree) (*leaderChannel, error) {
	lc := &leaderChannel{}
	if _, ok := tree.ChannelOf(fc.Rank); ok {
		cq, err := fc.Nic.CqCreate(ceChannelEntries, gni.CqBlocking)
		if err != nil {
			return nil, fmt.Errorf("create channel queue: %w", err)
		}
		fc.Defer("channel completion queue", cq.Destroy)
		ce, err := fc.Nic.CeCreate()
		if err != nil {
			return nil, fmt.Errorf("create channel: %w", err)
		}
		lc.ce, lc.cq = ce, cq
		fc.Defer("channel", lc.destroyUnconfigured)
	}
	local := make([]byte, 4)
	binary.LittleEndian.PutUint32(local, lc.ce.ID())
	all, err := fc.Proc.AllGather(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("exchange channel ids: %w", err)
	}
	lc.ids = make([]uint32, len(all))
	for i, v := range all {
		lc.ids[i] = binary.LittleEndian.Uint32(v)
	}
	return lc, nil
}

// configure wires the leader's channel to its children and parent.
func (lc *leaderChannel) configure(ctx context.Context, fc *FabricContext, tree *topology.Tree) error {
	own, ok := tree.ChannelOf(fc.Rank)
	if !ok {
		return fmt.Errorf("rank %d leads no channel", fc.Rank)
	}
	myID := lc.ids[fc.Rank]
	children := make([]*gni.Endpoint, 0, len(own.Children))
	for _, child := range own.Children {
		ep, err := fc.Connect(child.Rank)
		if err != nil {
			return err
		}
		kind := gni.CeChildPE
		if child.Kind == topology.KindVCE {
			kind = gni.CeChildVCE
		}
		if err := ep.SetCeAttr(myID, child.ID, kind); err != nil {
			return fmt.Errorf("set child %d (%s) attributes: %w", child.ID, child.Kind, err)
		}
		children = append(children, ep)
	}
	var parent *gni.Endpoint
	if !own.IsRoot() {
		up := tree.Channels[own.Parent]
		ep, err := fc.Connect(up.Leader)
		if err != nil {
			return err
		}
		if err := ep.SetCeAttr(lc.ids[up.Leader], own.ParentChildID, gni.CeChildVCE); err != nil {
			return fmt.Errorf("set parent attributes: %w", err)
		}
		parent = ep
	}
	if err := lc.ce.Configure(children, parent, lc.cq, ceModes); err != nil {
		return fmt.Errorf("configure channel %d: %w", myID, err)
	}
	lc.configured = true
	fc.Defer("configured channel", lc.ce.Destroy)

	listener := NewErrorListener(fc, lc.cq)
	listener.Start(ctx)
	fc.Defer("channel error listener", listener.Stop)
	fc.tel.event("channel_configured",
		logKV("channel", myID),
		logKV("children", len(children)),
		logKV("root", own.IsRoot()))
	return nil
}

func (s CE) contribute(ctx context.Context, fc *FabricContext, cmd reduce.CeCommand, ep *gni.Endpoint, leader int, tree *topology.Tree) error {
	desc := cmd.Descriptor(fc.Rank, fc.Options.ReductionID)
	err := ep.PostCe(desc)
	switch {
	case errors.Is(err, gni.RcIllegalOp):
		fc.Tolerate("ce_post", fmt.Sprintf("%s unsupported on %s", cmd, fc.Fabric.Generation()))
		return nil
	case err != nil:
		return fmt.Errorf("post %s: %w", cmd, err)
	}
	fc.Posted(desc, leader)

	reaper := NewReaper(fc)
	if _, err := reaper.ReapLocal(ctx, leader); err != nil {
		return err
	}
	res, err := gni.PollCeResult(ctx, fc.Options.Backoff, desc)
	if err != nil {
		return fmt.Errorf("check %s result: %w", cmd, err)
	}
	ok := fc.Check(res.Status == gni.CeStatusOK && res.RedID == fc.Options.ReductionID && !res.FPException,
		"ce_status", "%s: status %s reduction id %d fp exception %t",
		cmd, res.Status, res.RedID, res.FPException)
	if !ok {
		return nil
	}
	want := cmd.Expected(tree.Participants())
	fc.Check(cmd.Matches(res, want), "ce_value", "%s: got value %#x index %d, want value %#x index %d",
		cmd, res.Value, res.Index, want.Value, want.Index)
	return nil
}
