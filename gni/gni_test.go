package gni

import (
	"context"
	"errors"
	"testing"
	"time"
)

type rankResources struct {
	cdm *CommunicationDomain
	nic *Nic
	cq  *CompletionQueue
	ep  *Endpoint
	mr  *MemoryRegion
}

func setupRank(t *testing.T, fabric *Fabric, node int, inst uint32, cookie uint32) *rankResources {
	t.Helper()
	cdm, err := CdmCreate(fabric, node, inst, 7, cookie, 0)
	if err != nil {
		t.Fatalf("CdmCreate failed: %v", err)
	}
	nic, addr, err := cdm.Attach(0)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if addr != nic.Address() {
		t.Fatalf("attach address %#x does not match nic %#x", addr, nic.Address())
	}
	cq, err := nic.CqCreate(64, CqNonBlocking)
	if err != nil {
		t.Fatalf("CqCreate failed: %v", err)
	}
	ep, err := nic.EpCreate(cq)
	if err != nil {
		t.Fatalf("EpCreate failed: %v", err)
	}
	return &rankResources{cdm: cdm, nic: nic, cq: cq, ep: ep}
}

func setupPair(t *testing.T, opts ...FabricOption) (*Fabric, *rankResources, *rankResources) {
	t.Helper()
	fabric := NewFabric(opts...)
	a := setupRank(t, fabric, 0, 0, 0x5eed)
	b := setupRank(t, fabric, 1, 1, 0x5eed)
	if err := a.ep.Bind(b.nic.Address(), b.nic.InstID()); err != nil {
		t.Fatalf("bind a->b failed: %v", err)
	}
	if err := b.ep.Bind(a.nic.Address(), a.nic.InstID()); err != nil {
		t.Fatalf("bind b->a failed: %v", err)
	}
	return fabric, a, b
}

func register(t *testing.T, r *rankResources, size int, dst *CompletionQueue) *MemoryRegion {
	t.Helper()
	mr, err := r.nic.MemRegister(make([]byte, size), dst, MemReadWrite)
	if err != nil {
		t.Fatalf("MemRegister failed: %v", err)
	}
	return mr
}

func reap(t *testing.T, cq *CompletionQueue) (CqEntry, *PostDescriptor) {
	t.Helper()
	entry, err := PollEvent(context.Background(), DefaultBackoff.WithTimeout(time.Second), cq)
	if err != nil {
		t.Fatalf("PollEvent failed: %v", err)
	}
	desc, err := cq.GetCompleted(entry)
	if err != nil {
		t.Fatalf("GetCompleted failed: %v", err)
	}
	return entry, desc
}

func TestRdmaPutWithExplicitEventIDs(t *testing.T) {
	_, a, b := setupPair(t)
	dst, err := b.nic.CqCreate(8, CqNonBlocking)
	if err != nil {
		t.Fatalf("CqCreate failed: %v", err)
	}
	src := register(t, a, 64, nil)
	target := register(t, b, 64, dst)
	if err := src.Store64(8, 0xdddd000001000002); err != nil {
		t.Fatalf("Store64 failed: %v", err)
	}

	desc := &PostDescriptor{
		Type:            PostRdmaPut,
		CqMode:          CqModeGlobalEvent,
		LocalAddr:       src.Address(),
		LocalMemHandle:  src.Handle(),
		RemoteAddr:      target.Address(),
		RemoteMemHandle: target.Handle(),
		Length:          64,
		UseEventIDs:     true,
		SrcCqData:       1001,
		RemoteEventID:   2002,
		PostID:          42,
	}
	if err := a.ep.PostRdma(desc); err != nil {
		t.Fatalf("PostRdma failed: %v", err)
	}
	if err := a.ep.PostRdma(desc); !errors.Is(err, ErrDescriptorInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}

	entry, got := reap(t, a.cq)
	if got != desc || got.PostID != 42 || !got.Completed() {
		t.Fatalf("unexpected descriptor %+v", got)
	}
	if entry.InstID() != 1001 {
		t.Fatalf("local event id %d, want 1001", entry.InstID())
	}
	remote, err := dst.GetEvent()
	if err != nil {
		t.Fatalf("GetEvent on destination queue failed: %v", err)
	}
	if !remote.IsRemote() || remote.InstID() != 2002 {
		t.Fatalf("unexpected remote event inst=%d remote=%v", remote.InstID(), remote.IsRemote())
	}
	if addr, inst := remote.Source(); addr != a.nic.Address() || inst != a.nic.InstID() {
		t.Fatalf("unexpected remote source %#x/%d", addr, inst)
	}
	v, err := target.Load64(8)
	if err != nil || v != 0xdddd000001000002 {
		t.Fatalf("unexpected target word %#x err=%v", v, err)
	}
}

func TestDefaultEventDataReportsInstanceIDs(t *testing.T) {
	_, a, b := setupPair(t)
	local := register(t, a, 16, nil)
	remote := register(t, b, 16, nil)
	desc := &PostDescriptor{
		Type: PostFmaGet, CqMode: CqModeLocalEvent,
		LocalAddr: local.Address(), LocalMemHandle: local.Handle(),
		RemoteAddr: remote.Address(), RemoteMemHandle: remote.Handle(), Length: 16,
	}
	if err := remote.Store64(0, 77); err != nil {
		t.Fatalf("Store64 failed: %v", err)
	}
	if err := a.ep.PostFma(desc); err != nil {
		t.Fatalf("PostFma failed: %v", err)
	}
	entry, _ := reap(t, a.cq)
	if entry.InstID() != b.nic.InstID() {
		t.Fatalf("local event id %d, want remote instance %d", entry.InstID(), b.nic.InstID())
	}
	if v, _ := local.Load64(0); v != 77 {
		t.Fatalf("get returned %d, want 77", v)
	}

	if err := a.ep.SetEventData(11, 22); err != nil {
		t.Fatalf("SetEventData failed: %v", err)
	}
	if err := a.ep.PostFma(desc); err != nil {
		t.Fatalf("repost failed: %v", err)
	}
	if entry, _ = reap(t, a.cq); entry.InstID() != 11 {
		t.Fatalf("event id %d after SetEventData, want 11", entry.InstID())
	}
}

func TestFetchingAmoReturnsPreimage(t *testing.T) {
	_, a, b := setupPair(t)
	local := register(t, a, 8, nil)
	target := register(t, b, 8, nil)
	if err := target.Store64(0, ^uint64(0)); err != nil {
		t.Fatalf("Store64 failed: %v", err)
	}
	desc := &PostDescriptor{
		Type: PostAmo, CqMode: CqModeLocalEvent,
		LocalAddr: local.Address(), LocalMemHandle: local.Handle(),
		RemoteAddr: target.Address(), RemoteMemHandle: target.Handle(),
		AmoCmd: NewAmoCmd(AmoOpAnd, true, true), FirstOperand: ^uint64(1 << 3),
	}
	if err := a.ep.PostFma(desc); err != nil {
		t.Fatalf("PostFma failed: %v", err)
	}
	reap(t, a.cq)
	if pre, _ := local.Load64(0); pre != ^uint64(0) {
		t.Fatalf("preimage %#x, want all ones", pre)
	}
	if v, _ := target.Load64(0); v != ^uint64(1<<3) {
		t.Fatalf("target %#x, want bit 3 cleared", v)
	}
}

func TestPostValidation(t *testing.T) {
	_, a, b := setupPair(t)
	local := register(t, a, 64, nil)
	remote := register(t, b, 64, nil)
	base := PostDescriptor{
		CqMode: CqModeLocalEvent,
		LocalAddr: local.Address(), LocalMemHandle: local.Handle(),
		RemoteAddr: remote.Address(), RemoteMemHandle: remote.Handle(), Length: 8,
	}
	cases := []struct {
		name string
		mod  func(d *PostDescriptor)
		post func(*PostDescriptor) error
		want Return
	}{
		{"wrong engine", func(d *PostDescriptor) { d.Type = PostFmaPut }, a.ep.PostRdma, RcInvalidParam},
		{"unaligned length", func(d *PostDescriptor) { d.Type = PostRdmaPut; d.Length = 6 }, a.ep.PostRdma, RcAlignmentError},
		{"unaligned amo", func(d *PostDescriptor) { d.Type = PostAmo; d.AmoCmd = AmoCmdAdd; d.RemoteAddr += 4 }, a.ep.PostFma, RcAlignmentError},
		{"bad local handle", func(d *PostDescriptor) { d.Type = PostFmaPut; d.LocalMemHandle = MemHandle{} }, a.ep.PostFma, RcInvalidParam},
		{"non-fetching cswap", func(d *PostDescriptor) { d.Type = PostAmo; d.AmoCmd = AmoCmd(AmoOpCswap) }, a.ep.PostFma, RcInvalidParam},
		{"no cq mode", func(d *PostDescriptor) { d.Type = PostFmaPut; d.CqMode = 0 }, a.ep.PostFma, RcInvalidParam},
	}
	for _, tc := range cases {
		desc := base
		tc.mod(&desc)
		if err := tc.post(&desc); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if a.ep.Outstanding() != 0 {
		t.Fatalf("rejected posts left %d outstanding", a.ep.Outstanding())
	}
}

func TestRemoteRangeErrorIsTransactionError(t *testing.T) {
	_, a, b := setupPair(t)
	local := register(t, a, 64, nil)
	remote := register(t, b, 32, nil)
	desc := &PostDescriptor{
		Type: PostFmaPut, CqMode: CqModeLocalEvent,
		LocalAddr: local.Address(), LocalMemHandle: local.Handle(),
		RemoteAddr: remote.Address(), RemoteMemHandle: remote.Handle(), Length: 64,
	}
	if err := a.ep.PostFma(desc); err != nil {
		t.Fatalf("PostFma failed: %v", err)
	}
	entry, err := a.cq.GetEvent()
	if !errors.Is(err, RcTransactionError) {
		t.Fatalf("expected transaction error, got %v", err)
	}
	if a.cq.ErrorRecoverable(entry) {
		t.Fatalf("range error should not be recoverable")
	}
	if a.cq.ErrorStr(entry) == "" {
		t.Fatalf("expected diagnostic string")
	}
	got, err := a.cq.GetCompleted(entry)
	if err != nil || got != desc || !got.Failed() {
		t.Fatalf("GetCompleted returned %+v err=%v", got, err)
	}
}

func TestInjectedRecoverableFault(t *testing.T) {
	fabric, a, b := setupPair(t)
	local := register(t, a, 8, nil)
	remote := register(t, b, 8, nil)
	fabric.InjectFault(Fault{Recoverable: true, Message: "link retry"})
	desc := &PostDescriptor{
		Type: PostFmaPut, CqMode: CqModeLocalEvent,
		LocalAddr: local.Address(), LocalMemHandle: local.Handle(),
		RemoteAddr: remote.Address(), RemoteMemHandle: remote.Handle(), Length: 8,
	}
	if err := a.ep.PostFma(desc); err != nil {
		t.Fatalf("PostFma failed: %v", err)
	}
	entry, err := a.cq.GetEvent()
	if !errors.Is(err, RcTransactionError) || !a.cq.ErrorRecoverable(entry) {
		t.Fatalf("expected recoverable transaction error, got %v", err)
	}
	if _, err := a.cq.GetCompleted(entry); err != nil {
		t.Fatalf("GetCompleted failed: %v", err)
	}
	if err := a.ep.PostFma(desc); err != nil {
		t.Fatalf("repost failed: %v", err)
	}
	if _, err := a.cq.GetEvent(); err != nil {
		t.Fatalf("fault should be consumed, got %v", err)
	}
}

func TestCredentialMismatchRejected(t *testing.T) {
	fabric := NewFabric()
	a := setupRank(t, fabric, 0, 0, 1)
	b := setupRank(t, fabric, 1, 1, 2)
	if err := a.ep.Bind(b.nic.Address(), b.nic.InstID()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	local := register(t, a, 8, nil)
	remote := register(t, b, 8, nil)
	err := a.ep.PostFma(&PostDescriptor{
		Type: PostFmaPut, CqMode: CqModeLocalEvent,
		LocalAddr: local.Address(), LocalMemHandle: local.Handle(),
		RemoteAddr: remote.Address(), RemoteMemHandle: remote.Handle(), Length: 8,
	})
	if !errors.Is(err, RcPermissionError) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestTeardownOrderEnforced(t *testing.T) {
	_, a, b := setupPair(t)
	local := register(t, a, 8, nil)
	remote := register(t, b, 8, nil)
	if err := a.ep.Bind(b.nic.Address(), b.nic.InstID()); !errors.Is(err, RcInvalidState) {
		t.Fatalf("double bind should fail with invalid state, got %v", err)
	}
	desc := &PostDescriptor{
		Type: PostFmaPut, CqMode: CqModeLocalEvent,
		LocalAddr: local.Address(), LocalMemHandle: local.Handle(),
		RemoteAddr: remote.Address(), RemoteMemHandle: remote.Handle(), Length: 8,
	}
	if err := a.ep.PostFma(desc); err != nil {
		t.Fatalf("PostFma failed: %v", err)
	}
	if err := a.ep.Unbind(); !errors.Is(err, RcNotDone) {
		t.Fatalf("unbind with outstanding completion should report not done, got %v", err)
	}
	if err := a.cq.Destroy(); !errors.Is(err, RcInvalidState) {
		t.Fatalf("cq destroy with live endpoint should fail, got %v", err)
	}
	if err := a.cdm.Destroy(); !errors.Is(err, RcInvalidState) {
		t.Fatalf("domain destroy with live resources should fail, got %v", err)
	}
	reap(t, a.cq)
	if err := a.ep.Unbind(); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	for _, step := range []func() error{a.ep.Destroy, local.Deregister, a.cq.Destroy, a.cdm.Destroy} {
		if err := step(); err != nil {
			t.Fatalf("teardown failed: %v", err)
		}
	}
	if err := local.Deregister(); err != nil {
		t.Fatalf("second deregister should be a no-op, got %v", err)
	}
}

func TestWaitEventRequiresBlockingQueue(t *testing.T) {
	_, a, _ := setupPair(t)
	if _, err := a.cq.WaitEvent(time.Millisecond); !errors.Is(err, RcInvalidParam) {
		t.Fatalf("expected invalid param on non-blocking queue, got %v", err)
	}
	bcq, err := a.nic.CqCreate(4, CqBlocking)
	if err != nil {
		t.Fatalf("CqCreate failed: %v", err)
	}
	if _, err := bcq.WaitEvent(2 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestRemoteMemoryEncoding(t *testing.T) {
	in := RemoteMemory{Handle: MemHandle{Qword1: 0x10000000, Qword2: 0x107}, Address: 0x10000040}
	data, err := in.MarshalBinary()
	if err != nil || len(data) != RemoteMemorySize {
		t.Fatalf("MarshalBinary returned %d bytes err=%v", len(data), err)
	}
	var out RemoteMemory
	if err := out.UnmarshalBinary(data); err != nil || out != in {
		t.Fatalf("decoded %+v err=%v", out, err)
	}
	if err := out.UnmarshalBinary(data[:8]); err == nil {
		t.Fatalf("expected short record error")
	}
}

func TestMRPoolAcquireRelease(t *testing.T) {
	_, a, _ := setupPair(t)
	pool, err := NewMRPool(a.nic, 64, MemReadWrite, nil, 1)
	if err != nil {
		t.Fatalf("NewMRPool failed: %v", err)
	}
	mr1, err := pool.Acquire()
	if err != nil || mr1.Size() != 64 {
		t.Fatalf("Acquire returned %v err=%v", mr1, err)
	}
	pool.Release(mr1)
	mr2, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if mr2 != mr1 {
		t.Fatalf("expected pooled region to be reused")
	}
	pool.Release(mr2)
	pool.Close()
	if _, err := pool.Acquire(); err == nil {
		t.Fatalf("expected error acquiring from closed pool")
	}
	if mr1.Handle() != (MemHandle{}) {
		t.Fatalf("closing the pool should deregister idle regions")
	}
}

func TestPollHonorsTimeoutAndContext(t *testing.T) {
	notDone := func() error { return ErrNotDone }
	err := Poll(context.Background(), Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Timeout: 5 * time.Millisecond}, notDone)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Poll(ctx, Backoff{}, notDone); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	calls := 0
	err = Poll(context.Background(), DefaultBackoff, func() error {
		calls++
		if calls < 3 {
			return RcNotDone.WithOp("CeCheckResult")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got err=%v calls=%d", err, calls)
	}
}

func TestGeminiRejectsFloatAdd(t *testing.T) {
	_, a, _ := setupPair(t, WithGeneration(GenerationGemini))
	if err := a.ep.SetCeAttr(0, 0, CeChildPE); err != nil {
		t.Fatalf("SetCeAttr failed: %v", err)
	}
	err := a.ep.PostCe(&PostDescriptor{Type: PostCe, CqMode: CqModeLocalEvent, CeOp: CeOpFAdd})
	if !errors.Is(err, RcIllegalOp) {
		t.Fatalf("expected illegal op, got %v", err)
	}
}
