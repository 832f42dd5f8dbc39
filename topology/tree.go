// Package topology builds the collective reduction tree of a job from its node layout.
package topology

import (
	"fmt"
	"sort"
)

// MaxBranches bounds the fan-out between node leaders.
const MaxBranches = 4

// Member describes one rank of the job.
type Member struct {
	Rank   int
	Node   int
	Leader bool
}

// Kind distinguishes process leaves from child channels.
type Kind uint8

const (
	KindPE Kind = iota + 1
	KindVCE
)

func (k Kind) String() string {
	switch k {
	case KindPE:
		return "PE"
	case KindVCE:
		return "VCE"
	default:
		return "INVALID"
	}
}

// Child is one slot of a channel.
type Child struct {
	Kind Kind
	// Rank is the leaf rank for KindPE and the child channel's leader for KindVCE.
	Rank int
	// Channel is the index of the child channel for KindVCE, -1 otherwise.
	Channel int
	ID      uint32
}

// Channel is the reduction unit owned by one node leader.
type Channel struct {
	Index  int
	Leader int
	Node   int
	// Parent is the index of the parent channel, -1 at the root.
	Parent int
	// ParentChildID is the slot this channel occupies in its parent.
	ParentChildID uint32
	Children      []Child
}

// IsRoot reports whether the channel has no parent.
func (c *Channel) IsRoot() bool {
	return c.Parent < 0
}

// Leaves returns the process children of the channel.
func (c *Channel) Leaves() []Child {
	var out []Child
	for _, child := range c.Children {
		if child.Kind == KindPE {
			out = append(out, child)
		}
	}
	return out
}

type leaf struct {
	channel int
	id      uint32
}

// Tree is the complete reduction topology. Channels are ordered by leader rank.
type Tree struct {
	Branches    int
	LeadersOnly bool
	Channels    []Channel

	leaves   map[int]leaf
	byLeader map[int]int
	ranks    []int
}

// Build derives the tree for members. Every node must have exactly one leader.
// With branches == 1 leaders form a chain; otherwise leaders are placed
// breadth-first into a branches-ary tree. When leadersOnly is set only node
// leaders participate as leaves.
func Build(members []Member, branches int, leadersOnly bool) (*Tree, error) {
	if branches < 1 || branches > MaxBranches {
		return nil, fmt.Errorf("topology: branches must be within 1..%d, got %d", MaxBranches, branches)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("topology: no members")
	}
	sorted := append([]Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	leaderOf := make(map[int]int)
	for i, m := range sorted {
		if i > 0 && sorted[i-1].Rank == m.Rank {
			return nil, fmt.Errorf("topology: rank %d listed twice", m.Rank)
		}
		if !m.Leader {
			continue
		}
		if prev, dup := leaderOf[m.Node]; dup {
			return nil, fmt.Errorf("topology: node %d has leaders %d and %d", m.Node, prev, m.Rank)
		}
		leaderOf[m.Node] = m.Rank
	}

	t := &Tree{
		Branches:    branches,
		LeadersOnly: leadersOnly,
		leaves:      make(map[int]leaf),
		byLeader:    make(map[int]int),
	}
	channelOfNode := make(map[int]int)
	for _, m := range sorted {
		if !m.Leader {
			continue
		}
		idx := len(t.Channels)
		t.Channels = append(t.Channels, Channel{Index: idx, Leader: m.Rank, Node: m.Node, Parent: -1})
		channelOfNode[m.Node] = idx
		t.byLeader[m.Rank] = idx
	}

	for _, m := range sorted {
		idx, ok := channelOfNode[m.Node]
		if !ok {
			return nil, fmt.Errorf("topology: node %d of rank %d has no leader", m.Node, m.Rank)
		}
		if leadersOnly && !m.Leader {
			continue
		}
		ch := &t.Channels[idx]
		id := uint32(len(ch.Children))
		ch.Children = append(ch.Children, Child{Kind: KindPE, Rank: m.Rank, Channel: -1, ID: id})
		t.leaves[m.Rank] = leaf{channel: idx, id: id}
		t.ranks = append(t.ranks, m.Rank)
	}

	n := len(t.Channels)
	for i := 0; i < n; i++ {
		for _, c := range childChannels(i, n, branches) {
			parent := &t.Channels[i]
			id := uint32(len(parent.Children))
			parent.Children = append(parent.Children, Child{Kind: KindVCE, Rank: t.Channels[c].Leader, Channel: c, ID: id})
			t.Channels[c].Parent = i
			t.Channels[c].ParentChildID = id
		}
	}
	return t, nil
}

// childChannels returns the indexes of channel i's child channels among n.
func childChannels(i, n, branches int) []int {
	if branches == 1 {
		if i+1 < n {
			return []int{i + 1}
		}
		return nil
	}
	var out []int
	for c := branches*i + 1; c <= branches*i+branches && c < n; c++ {
		out = append(out, c)
	}
	return out
}

// Root returns the channel without a parent.
func (t *Tree) Root() *Channel {
	return &t.Channels[0]
}

// ChannelOf returns the channel led by rank.
func (t *Tree) ChannelOf(leader int) (*Channel, bool) {
	idx, ok := t.byLeader[leader]
	if !ok {
		return nil, false
	}
	return &t.Channels[idx], true
}

// LeafOf returns the channel a participating rank joins and its child id there.
func (t *Tree) LeafOf(rank int) (*Channel, uint32, bool) {
	l, ok := t.leaves[rank]
	if !ok {
		return nil, 0, false
	}
	return &t.Channels[l.channel], l.id, true
}

// Participants returns the ranks contributing to the reduction in ascending order.
func (t *Tree) Participants() []int {
	return append([]int(nil), t.ranks...)
}

// Depth returns the number of channel levels between the root and the deepest channel.
func (t *Tree) Depth() int {
	depth := 0
	for i := range t.Channels {
		d := 0
		for c := &t.Channels[i]; c.Parent >= 0; c = &t.Channels[c.Parent] {
			d++
		}
		if d > depth {
			depth = d
		}
	}
	return depth
}
