package hw

import (
	"errors"
	"math"
	"testing"
	"time"
)

func attachPort(t *testing.T, f *Fabric, node int, inst uint32) *Port {
	t.Helper()
	dev, rc := f.Device(node, 0)
	if rc != Success {
		t.Fatalf("Device: %v", rc)
	}
	port, rc := dev.Attach(inst, 1, 0xcafe)
	if rc != Success {
		t.Fatalf("Attach: %v", rc)
	}
	return port
}

func TestReturnWithOp(t *testing.T) {
	err := InvalidState.WithOp("EpDestroy")
	if !errors.Is(err, InvalidState) {
		t.Fatalf("expected errors.Is match, got %v", err)
	}
	if err.Error() != "EpDestroy: GNI_RC_INVALID_STATE" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Check(Success, "noop") != nil {
		t.Fatal("Check(Success) should be nil")
	}
	if got := Return(99).String(); got != "GNI_RC_UNKNOWN(99)" {
		t.Fatalf("unexpected unknown name %q", got)
	}
}

func TestCQOverrunReportedOnce(t *testing.T) {
	f := NewFabric()
	port := attachPort(t, f, 0, 0)
	cq, rc := port.CreateCQ(1, false)
	if rc != Success {
		t.Fatalf("CreateCQ: %v", rc)
	}
	cq.push(Entry{Kind: EntryRemote, InstID: 1})
	cq.push(Entry{Kind: EntryRemote, InstID: 2})
	cq.push(Entry{Kind: EntryRemote, InstID: 3})

	e, rc := cq.Get()
	if rc != Error || !e.Overrun {
		t.Fatalf("expected overrun, got rc=%v entry=%+v", rc, e)
	}
	e, rc = cq.Get()
	if rc != Success || e.InstID != 1 {
		t.Fatalf("expected surviving entry 1, got rc=%v entry=%+v", rc, e)
	}
	if _, rc = cq.Get(); rc != NotDone {
		t.Fatalf("expected NotDone, got %v", rc)
	}
}

func TestCQWaitRequiresBlockingMode(t *testing.T) {
	f := NewFabric()
	port := attachPort(t, f, 0, 0)
	cq, _ := port.CreateCQ(4, false)
	if _, rc := cq.Wait(nil, time.Millisecond); rc != InvalidParam {
		t.Fatalf("expected InvalidParam, got %v", rc)
	}
	bcq, _ := port.CreateCQ(4, true)
	if _, rc := bcq.Wait(nil, 5*time.Millisecond); rc != Timeout {
		t.Fatalf("expected Timeout, got %v", rc)
	}
	go bcq.push(Entry{Kind: EntryCe, InstID: 7})
	e, rc := bcq.Wait(nil, time.Second)
	if rc != Success || e.InstID != 7 {
		t.Fatalf("unexpected wait result rc=%v entry=%+v", rc, e)
	}
}

func TestDestroyOrderEnforced(t *testing.T) {
	f := NewFabric()
	a := attachPort(t, f, 0, 0)
	b := attachPort(t, f, 1, 1)
	cq, _ := a.CreateCQ(8, false)
	ep, _ := a.CreateEndpoint(cq)
	if rc := ep.Bind(b.Key().Addr, b.Key().Inst); rc != Success {
		t.Fatalf("Bind: %v", rc)
	}
	if rc := ep.Bind(b.Key().Addr, b.Key().Inst); rc != InvalidState {
		t.Fatalf("second Bind should fail, got %v", rc)
	}
	buf := make([]byte, 64)
	local, _ := a.Register(buf, nil, MemReadWrite)
	remote, _ := b.Register(make([]byte, 64), nil, MemReadWrite)

	_, rc := ep.Post(&Transaction{
		Type: PostRdmaPut, CqMode: CqModeLocalEvent,
		LocalAddr: local.Address(), LocalHandle: local.Handle(),
		RemoteAddr: remote.Address(), RemoteHandle: remote.Handle(), Length: 64,
	})
	if rc != Success {
		t.Fatalf("Post: %v", rc)
	}
	if rc := cq.Destroy(); rc != InvalidState {
		t.Fatalf("CQ destroy with endpoint should fail, got %v", rc)
	}
	if rc := ep.Destroy(); rc != NotDone {
		t.Fatalf("endpoint destroy with outstanding completion should report NotDone, got %v", rc)
	}
	e, rc := cq.Get()
	if rc != Success {
		t.Fatalf("Get: %v", rc)
	}
	cq.Retire(e)
	if rc := ep.Destroy(); rc != Success {
		t.Fatalf("endpoint destroy: %v", rc)
	}
	if rc := a.Detach(); rc != InvalidState {
		t.Fatalf("detach with live cq/region should fail, got %v", rc)
	}
	local.Deregister()
	remote.Deregister()
	if rc := cq.Destroy(); rc != Success {
		t.Fatalf("cq destroy: %v", rc)
	}
	if rc := a.Detach(); rc != Success {
		t.Fatalf("detach: %v", rc)
	}
}

func TestApplyAmo(t *testing.T) {
	cases := []struct {
		op        AmoOp
		old, a, b uint64
		want      uint64
	}{
		{AmoOpAnd, 0xff, 0x0f, 0, 0x0f},
		{AmoOpOr, 0xf0, 0x0f, 0, 0xff},
		{AmoOpXor, 0xff, 0x0f, 0, 0xf0},
		{AmoOpAdd, 40, 2, 0, 42},
		{AmoOpAx, 0xff, 0x0f, 0x01, 0x0e},
		{AmoOpCswap, 5, 5, 9, 9},
		{AmoOpCswap, 5, 6, 9, 5},
	}
	for _, tc := range cases {
		if got := ApplyAmo(tc.op, tc.old, tc.a, tc.b); got != tc.want {
			t.Fatalf("%s(%#x,%#x,%#x) = %#x, want %#x", tc.op, tc.old, tc.a, tc.b, got, tc.want)
		}
	}
	if !AmoFCswap.Valid() || AmoCmd(AmoOpCswap).Valid() {
		t.Fatal("compare-and-swap must be fetching")
	}
	if got := NewAmoCmd(AmoOpAdd, true, true).String(); got != "FADD_C" {
		t.Fatalf("unexpected command name %q", got)
	}
}

func TestExtremumTieBreak(t *testing.T) {
	cases := []struct {
		op        CeOp
		wantIndex uint64
	}{
		{CeOpIMinLidx, 1},
		{CeOpIMinGidx, 4},
		{CeOpIMaxLidx, 1},
		{CeOpIMaxGidx, 4},
	}
	for _, tc := range cases {
		_, idx := extremum(tc.op, 7, 4, 7, 1)
		if idx != tc.wantIndex {
			t.Fatalf("%s tie: index %d, want %d", tc.op, idx, tc.wantIndex)
		}
	}
	v, idx := extremum(CeOpFMaxLidx, math.Float64bits(1.5), 3, math.Float64bits(2.5), 9)
	if math.Float64frombits(v) != 2.5 || idx != 9 {
		t.Fatalf("unexpected float max %v@%d", math.Float64frombits(v), idx)
	}
	v, _ = extremum(CeOpIMinLidx, uint64(3), 0, ^uint64(0), 2)
	if int64(v) != -1 {
		t.Fatalf("signed min should pick -1, got %d", int64(v))
	}
}

func TestCeSingleChannelReduction(t *testing.T) {
	f := NewFabric()
	leader := attachPort(t, f, 0, 0)
	leaf := attachPort(t, f, 0, 1)

	ce, _ := leader.CreateCe()
	ceCQ, _ := leader.CreateCQ(4, true)
	leaderCQ, _ := leader.CreateCQ(4, false)
	leafCQ, _ := leaf.CreateCQ(4, false)

	ports := []*Port{leader, leaf}
	var childEps, upEps []*Endpoint
	var cqs = []*CQ{leaderCQ, leafCQ}
	for i, p := range ports {
		down, _ := leader.CreateEndpoint(leaderCQ)
		down.Bind(p.Key().Addr, p.Key().Inst)
		down.SetCeAttr(ce.ID(), uint32(i), ChildPE)
		childEps = append(childEps, down)

		up, _ := p.CreateEndpoint(cqs[i])
		up.Bind(leader.Key().Addr, leader.Key().Inst)
		up.SetCeAttr(ce.ID(), uint32(i), ChildPE)
		upEps = append(upEps, up)
	}
	if rc := ce.Configure(childEps, nil, ceCQ, CeModeCQEOnlyOnError|CeModeRoundRobinFromZero); rc != Success {
		t.Fatalf("Configure: %v", rc)
	}

	txs := []*Transaction{
		{Type: PostCe, CqMode: CqModeLocalEvent, CeOp: CeOpIAdd, First: 1, CeRedID: 5},
		{Type: PostCe, CqMode: CqModeLocalEvent, CeOp: CeOpIAdd, First: 2, CeRedID: 5},
	}
	for i, ep := range upEps {
		if _, rc := ep.Post(txs[i]); rc != Success {
			t.Fatalf("post %d: %v", i, rc)
		}
	}
	for i, tx := range txs {
		if _, rc := cqs[i].Get(); rc != Success {
			t.Fatalf("leaf %d completion: %v", i, rc)
		}
		if tx.Result == nil || tx.Result.Value != 3 || tx.Result.Status != CeStatusOK {
			t.Fatalf("leaf %d unexpected result %+v", i, tx.Result)
		}
	}
	if _, rc := ceCQ.Get(); rc != NotDone {
		t.Fatalf("error-only channel raised an event: %v", rc)
	}
}

func TestCeReductionIDMismatchRaisesFault(t *testing.T) {
	f := NewFabric()
	leader := attachPort(t, f, 0, 0)
	leaf := attachPort(t, f, 0, 1)
	ce, _ := leader.CreateCe()
	ceCQ, _ := leader.CreateCQ(4, true)
	leaderCQ, _ := leader.CreateCQ(4, false)
	leafCQ, _ := leaf.CreateCQ(4, false)

	d0, _ := leader.CreateEndpoint(leaderCQ)
	d0.Bind(leader.Key().Addr, leader.Key().Inst)
	d0.SetCeAttr(ce.ID(), 0, ChildPE)
	d1, _ := leader.CreateEndpoint(leaderCQ)
	d1.Bind(leaf.Key().Addr, leaf.Key().Inst)
	d1.SetCeAttr(ce.ID(), 1, ChildPE)
	if rc := ce.Configure([]*Endpoint{d0, d1}, nil, ceCQ, CeModeCQEOnlyOnError); rc != Success {
		t.Fatalf("Configure: %v", rc)
	}
	u0, _ := leader.CreateEndpoint(leaderCQ)
	u0.Bind(leader.Key().Addr, leader.Key().Inst)
	u0.SetCeAttr(ce.ID(), 0, ChildPE)
	u1, _ := leaf.CreateEndpoint(leafCQ)
	u1.Bind(leader.Key().Addr, leader.Key().Inst)
	u1.SetCeAttr(ce.ID(), 1, ChildPE)

	tx0 := &Transaction{Type: PostCe, CqMode: CqModeLocalEvent, CeOp: CeOpOr, First: 1, CeRedID: 1}
	tx1 := &Transaction{Type: PostCe, CqMode: CqModeLocalEvent, CeOp: CeOpOr, First: 2, CeRedID: 2}
	u0.Post(tx0)
	u1.Post(tx1)

	e, rc := ceCQ.Wait(nil, time.Second)
	if rc != TransactionError || e.CeStatus != CeStatusReductionIDMismatch {
		t.Fatalf("expected reduction id fault, got rc=%v entry=%+v", rc, e)
	}
	if tx1.Result == nil || tx1.Result.Status != CeStatusReductionIDMismatch {
		t.Fatalf("leaf should observe mismatch status, got %+v", tx1.Result)
	}
}

func TestGeminiRejectsFloatAdd(t *testing.T) {
	f := NewFabric(WithGeneration(GenerationGemini))
	p := attachPort(t, f, 0, 0)
	cq, _ := p.CreateCQ(4, false)
	ep, _ := p.CreateEndpoint(cq)
	ep.Bind(p.Key().Addr, p.Key().Inst)
	ep.SetCeAttr(0, 0, ChildPE)
	_, rc := ep.Post(&Transaction{Type: PostCe, CqMode: CqModeLocalEvent, CeOp: CeOpFAdd})
	if rc != IllegalOp {
		t.Fatalf("expected IllegalOp, got %v", rc)
	}
}
