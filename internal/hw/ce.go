package hw

import (
	"fmt"
	"math"
)

// CeOp is a collective reduction operation.
type CeOp uint8

const (
	CeOpAnd CeOp = iota + 1
	CeOpOr
	CeOpXor
	CeOpIAdd
	CeOpFAdd
	CeOpIMinLidx
	CeOpIMinGidx
	CeOpIMaxLidx
	CeOpIMaxGidx
	CeOpFMinLidx
	CeOpFMinGidx
	CeOpFMaxLidx
	CeOpFMaxGidx
)

var ceOpNames = [...]string{
	CeOpAnd:      "AND",
	CeOpOr:       "OR",
	CeOpXor:      "XOR",
	CeOpIAdd:     "IADD",
	CeOpFAdd:     "FADD",
	CeOpIMinLidx: "IMIN_LIDX",
	CeOpIMinGidx: "IMIN_GIDX",
	CeOpIMaxLidx: "IMAX_LIDX",
	CeOpIMaxGidx: "IMAX_GIDX",
	CeOpFMinLidx: "FMIN_LIDX",
	CeOpFMinGidx: "FMIN_GIDX",
	CeOpFMaxLidx: "FMAX_LIDX",
	CeOpFMaxGidx: "FMAX_GIDX",
}

func (o CeOp) String() string {
	if o.Valid() {
		return ceOpNames[o]
	}
	return fmt.Sprintf("CE_OP(%d)", uint8(o))
}

// Valid reports whether o names a known operation.
func (o CeOp) Valid() bool {
	return o >= CeOpAnd && o <= CeOpFMaxGidx
}

// Float reports whether operands are interpreted as IEEE-754 doubles.
func (o CeOp) Float() bool {
	switch o {
	case CeOpFAdd, CeOpFMinLidx, CeOpFMinGidx, CeOpFMaxLidx, CeOpFMaxGidx:
		return true
	}
	return false
}

// Indexed reports whether the second operand carries an index.
func (o CeOp) Indexed() bool {
	return o >= CeOpIMinLidx
}

// ChildKind distinguishes process leaves from child channels.
type ChildKind uint8

const (
	// ChildPE is a process endpoint leaf.
	ChildPE ChildKind = iota + 1
	// ChildVCE is a child reduction channel.
	ChildVCE
)

func (k ChildKind) String() string {
	switch k {
	case ChildPE:
		return "PE"
	case ChildVCE:
		return "VCE"
	default:
		return "INVALID"
	}
}

// CeMode holds channel-wide configuration flags.
type CeMode uint32

const (
	// CeModeCQEOnlyOnError raises channel events only for faults.
	CeModeCQEOnlyOnError CeMode = 1 << iota
	// CeModeRoundRobinFromZero requires child ids to be dense from zero.
	CeModeRoundRobinFromZero
)

// CeStatus is the status flag delivered with a reduction result.
type CeStatus uint8

const (
	CeStatusOK CeStatus = iota
	CeStatusJoinChildInvalid
	CeStatusReductionIDMismatch
	CeStatusOpMismatch
)

func (s CeStatus) String() string {
	switch s {
	case CeStatusOK:
		return "A_STATUS_OK"
	case CeStatusJoinChildInvalid:
		return "A_STATUS_CE_JOIN_CHILD_INV"
	case CeStatusReductionIDMismatch:
		return "A_STATUS_CE_REDUCTION_ID_MISMATCH"
	case CeStatusOpMismatch:
		return "A_STATUS_CE_OP_MISMATCH"
	default:
		return fmt.Sprintf("A_STATUS(%d)", uint8(s))
	}
}

// CeResult is the gathered outcome of a reduction.
type CeResult struct {
	Op          CeOp
	Value       uint64
	Index       uint64
	RedID       uint64
	Status      CeStatus
	FPException bool
}

type ceAttr struct {
	set     bool
	id      uint32
	childID uint32
	kind    ChildKind
	channel *CeChannel
}

type ceSlot struct {
	ep   *Endpoint
	id   uint32
	kind ChildKind
}

type contribution struct {
	result CeResult

	// leaf contributions
	waiter *Endpoint
	token  uint64
	tx     *Transaction

	// channel contributions
	down *CeChannel
}

// CeChannel is a per-node reduction unit.
type CeChannel struct {
	port       *Port
	id         uint32
	configured bool
	destroyed  bool
	children   []ceSlot
	parent     *Endpoint
	cq         *CQ
	modes      CeMode
	round      map[uint32]*contribution
}

// CreateCe allocates a collective channel on the port.
func (p *Port) CreateCe() (*CeChannel, Return) {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed {
		return nil, InvalidState
	}
	id := p.nextCE
	p.nextCE++
	ch := &CeChannel{port: p, id: id, round: make(map[uint32]*contribution)}
	p.ces[id] = ch
	return ch, Success
}

// ID returns the channel id peers use in their endpoint attributes.
func (c *CeChannel) ID() uint32 {
	return c.id
}

// SetCeAttr declares which channel, child slot and child kind the endpoint joins.
func (e *Endpoint) SetCeAttr(ceID, childID uint32, kind ChildKind) Return {
	if kind != ChildPE && kind != ChildVCE {
		return InvalidParam
	}
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.destroyed {
		return InvalidState
	}
	if e.ce.channel != nil && e.ce.channel.configured {
		return InvalidState
	}
	e.ce = ceAttr{set: true, id: ceID, childID: childID, kind: kind}
	return Success
}

// Configure installs the channel's children, optional parent and fault queue.
func (c *CeChannel) Configure(children []*Endpoint, parent *Endpoint, cq *CQ, modes CeMode) Return {
	f := c.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.destroyed || c.configured {
		return InvalidState
	}
	if cq == nil || cq.port != c.port || cq.destroyed || len(children) == 0 {
		return InvalidParam
	}
	seen := make(map[uint32]bool, len(children))
	slots := make([]ceSlot, 0, len(children))
	for _, ep := range children {
		if ep == nil || ep.port != c.port || ep.destroyed || !ep.bound {
			return InvalidParam
		}
		if !ep.ce.set || ep.ce.id != c.id || seen[ep.ce.childID] {
			return InvalidParam
		}
		seen[ep.ce.childID] = true
		slots = append(slots, ceSlot{ep: ep, id: ep.ce.childID, kind: ep.ce.kind})
	}
	if modes&CeModeRoundRobinFromZero != 0 {
		for i := range slots {
			if !seen[uint32(i)] {
				return InvalidParam
			}
		}
	}
	if parent != nil {
		if parent.port != c.port || parent.destroyed || !parent.bound || !parent.ce.set || parent.ce.kind != ChildVCE {
			return InvalidParam
		}
		parent.ce.channel = c
	}
	for _, slot := range slots {
		slot.ep.ce.channel = c
	}
	c.children = slots
	c.parent = parent
	c.cq = cq
	c.modes = modes
	c.configured = true
	cq.refs++
	return Success
}

// Destroy releases the channel.
func (c *CeChannel) Destroy() Return {
	f := c.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.destroyed {
		return Success
	}
	c.destroyed = true
	for _, slot := range c.children {
		if slot.ep.ce.channel == c {
			slot.ep.ce.channel = nil
		}
	}
	if c.parent != nil && c.parent.ce.channel == c {
		c.parent.ce.channel = nil
	}
	if c.configured {
		c.cq.refs--
	}
	c.configured = false
	c.children = nil
	c.parent = nil
	delete(c.port.ces, c.id)
	return Success
}

// postCe joins a leaf contribution to the channel the endpoint targets.
// Caller holds the fabric mutex.
func (e *Endpoint) postCe(tx *Transaction) (uint64, Return) {
	f := e.port.fabric
	if !e.ce.set || e.ce.kind != ChildPE {
		return 0, InvalidParam
	}
	if !tx.CeOp.Valid() || tx.CqMode&CqModeLocalEvent == 0 {
		return 0, InvalidParam
	}
	if tx.CeOp == CeOpFAdd && f.gen == GenerationGemini {
		return 0, IllegalOp
	}
	remote, ok := f.ports[e.remote]
	if ok && !e.port.credentialsMatch(remote) {
		return 0, PermissionError
	}
	token := e.track()
	leaf := &contribution{
		result: CeResult{Op: tx.CeOp, Value: tx.First, Index: tx.Second, RedID: tx.CeRedID},
		waiter: e,
		token:  token,
		tx:     tx,
	}
	var ch *CeChannel
	if ok {
		ch = remote.ces[e.ce.id]
	}
	if ch == nil || !ch.configured {
		leaf.deliver(CeResult{Op: tx.CeOp, RedID: tx.CeRedID, Status: CeStatusJoinChildInvalid})
		return token, Success
	}
	ch.join(e.port.key, e.ce.childID, ChildPE, leaf)
	return token, Success
}

func (c *CeChannel) fault(status CeStatus, format string, args ...any) {
	c.cq.push(Entry{
		Kind:     EntryCe,
		InstID:   c.id,
		Source:   c.port.key,
		CeStatus: status,
		Err:      &TxError{Code: TransactionError, Message: fmt.Sprintf(format, args...)},
	})
}

func (c *CeChannel) join(src PortKey, childID uint32, kind ChildKind, in *contribution) {
	var slot *ceSlot
	for i := range c.children {
		if c.children[i].id == childID {
			slot = &c.children[i]
			break
		}
	}
	if slot == nil || slot.kind != kind || slot.ep.remote != src {
		c.fault(CeStatusJoinChildInvalid, "ce %d: child %d (%s) from inst %d does not match configuration", c.id, childID, kind, src.Inst)
		in.deliver(CeResult{Op: in.result.Op, RedID: in.result.RedID, Status: CeStatusJoinChildInvalid})
		return
	}
	if _, dup := c.round[childID]; dup {
		c.fault(CeStatusJoinChildInvalid, "ce %d: child %d joined twice", c.id, childID)
		in.deliver(CeResult{Op: in.result.Op, RedID: in.result.RedID, Status: CeStatusJoinChildInvalid})
		return
	}
	c.round[childID] = in
	if len(c.round) < len(c.children) {
		return
	}
	c.complete()
}

func (c *CeChannel) complete() {
	var acc CeResult
	for i, slot := range c.children {
		in := c.round[slot.id].result
		if i == 0 {
			acc = in
			continue
		}
		acc = combine(acc, in)
	}
	switch {
	case acc.Status != CeStatusOK:
		c.fault(acc.Status, "ce %d: reduction %d failed", c.id, acc.RedID)
	case c.modes&CeModeCQEOnlyOnError == 0:
		c.cq.push(Entry{Kind: EntryCe, InstID: c.id, Source: c.port.key, CeStatus: CeStatusOK})
	}

	if c.parent != nil {
		f := c.port.fabric
		up := &contribution{result: acc, down: c}
		remote, ok := f.ports[c.parent.remote]
		var parent *CeChannel
		if ok {
			parent = remote.ces[c.parent.ce.id]
		}
		if parent == nil || !parent.configured {
			c.fault(CeStatusJoinChildInvalid, "ce %d: parent channel %d unavailable", c.id, c.parent.ce.id)
			acc.Status = CeStatusJoinChildInvalid
			c.broadcast(acc)
			return
		}
		parent.join(c.port.key, c.parent.ce.childID, ChildVCE, up)
		return
	}
	c.broadcast(acc)
}

// broadcast delivers the final result to every child and resets the round.
func (c *CeChannel) broadcast(res CeResult) {
	round := c.round
	c.round = make(map[uint32]*contribution)
	for _, slot := range c.children {
		if in, ok := round[slot.id]; ok {
			in.deliver(res)
		}
	}
}

func (in *contribution) deliver(res CeResult) {
	if in.down != nil {
		in.down.broadcast(res)
		return
	}
	if in.tx != nil {
		r := res
		in.tx.Result = &r
	}
	if ep := in.waiter; ep != nil {
		ep.cq.push(Entry{Kind: EntryPost, InstID: ep.localEvent, Source: ep.remote, Token: in.token, ep: ep})
	}
}

func combine(a, b CeResult) CeResult {
	out := a
	if a.Status == CeStatusOK && b.Status != CeStatusOK {
		out.Status = b.Status
	}
	if out.Status == CeStatusOK && a.RedID != b.RedID {
		out.Status = CeStatusReductionIDMismatch
	}
	if out.Status == CeStatusOK && a.Op != b.Op {
		out.Status = CeStatusOpMismatch
	}
	out.FPException = a.FPException || b.FPException
	if out.Status != CeStatusOK {
		return out
	}
	switch a.Op {
	case CeOpAnd:
		out.Value = a.Value & b.Value
	case CeOpOr:
		out.Value = a.Value | b.Value
	case CeOpXor:
		out.Value = a.Value ^ b.Value
	case CeOpIAdd:
		out.Value = a.Value + b.Value
	case CeOpFAdd:
		sum := math.Float64frombits(a.Value) + math.Float64frombits(b.Value)
		out.Value = math.Float64bits(sum)
		if math.IsInf(sum, 0) || math.IsNaN(sum) {
			out.FPException = true
		}
	default:
		out.Value, out.Index = extremum(a.Op, a.Value, a.Index, b.Value, b.Index)
	}
	return out
}

// extremum folds two (value, index) pairs for the MIN/MAX family.
func extremum(op CeOp, av, ai, bv, bi uint64) (uint64, uint64) {
	var cmp int
	if op.Float() {
		af, bf := math.Float64frombits(av), math.Float64frombits(bv)
		switch {
		case bf < af:
			cmp = -1
		case bf > af:
			cmp = 1
		}
	} else {
		ax, bx := int64(av), int64(bv)
		switch {
		case bx < ax:
			cmp = -1
		case bx > ax:
			cmp = 1
		}
	}
	var wantLess, lowIndex bool
	switch op {
	case CeOpIMinLidx, CeOpFMinLidx:
		wantLess, lowIndex = true, true
	case CeOpIMinGidx, CeOpFMinGidx:
		wantLess = true
	case CeOpIMaxLidx, CeOpFMaxLidx:
		lowIndex = true
	}
	switch {
	case cmp == 0:
		if lowIndex == (bi < ai) {
			return bv, bi
		}
		return av, ai
	case (cmp < 0) == wantLess:
		return bv, bi
	default:
		return av, ai
	}
}

// CeResult returns the gathered result of tx once the reduction has completed.
func (e *Endpoint) CeResult(tx *Transaction) (CeResult, bool) {
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx == nil || tx.Result == nil {
		return CeResult{}, false
	}
	return *tx.Result, true
}
