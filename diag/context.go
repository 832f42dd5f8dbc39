package diag

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/gni-go/gni"
	"github.com/rocketbitz/gni-go/pmi"
)

// ContextConfig selects the resources Open creates for a rank.
type ContextConfig struct {
	// SrcEntries sizes the queue receiving local completions.
	SrcEntries int
	// DstEntries sizes the destination queue; zero creates none.
	DstEntries int
	// Endpoints creates and binds one endpoint per rank of the job.
	Endpoints bool
	Scheme    EventIDScheme
}

type cleanup struct {
	name string
	fn   func() error
}

// FabricContext holds the fabric resources of one rank. Resources are
// released in reverse acquisition order by Close.
type FabricContext struct {
	Rank   int
	Size   int
	Proc   pmi.Provider
	Fabric *gni.Fabric
	Domain *gni.CommunicationDomain
	Nic    *gni.Nic
	SrcCQ  *gni.CompletionQueue
	DstCQ  *gni.CompletionQueue
	// Endpoints is indexed by peer rank; nil unless ContextConfig.Endpoints is set.
	Endpoints []*gni.Endpoint
	// Addresses holds every rank's NIC address indexed by rank.
	Addresses []uint32
	Scheme    EventIDScheme
	Options   Options

	results  *Results
	tel      *telemetry
	cleanups []cleanup
}

// Open creates the communication domain, queues and endpoints of the rank
// behind r. On failure every resource created so far is released.
func (r *Rank) Open(ctx context.Context, cfg ContextConfig) (*FabricContext, error) {
	fc := &FabricContext{
		Rank:    r.Proc.Rank(),
		Size:    r.Proc.Size(),
		Proc:    r.Proc,
		Fabric:  r.Fabric,
		Scheme:  cfg.Scheme,
		Options: r.Options,
		results: r.Results,
		tel:     r.tel,
	}
	if err := fc.open(ctx, r, cfg); err != nil {
		_ = fc.Close()
		return nil, err
	}
	return fc, nil
}

func (fc *FabricContext) open(ctx context.Context, r *Rank, cfg ContextConfig) error {
	var err error
	creds := r.Credentials
	fc.Domain, err = gni.CdmCreate(r.Fabric, r.Proc.Node(), uint32(fc.Rank), creds.Ptag, creds.Cookie, gni.CdmModeErrNoKill)
	if err != nil {
		return fmt.Errorf("create communication domain: %w", err)
	}
	fc.Defer("communication domain", fc.Domain.Destroy)

	nic, addr, err := fc.Domain.Attach(0)
	if err != nil {
		return fmt.Errorf("attach nic: %w", err)
	}
	fc.Nic = nic
	fc.tel.event("attached", logKV("nic_address", fmt.Sprintf("0x%x", addr)), logKV("inst_id", fc.Rank))

	entries := cfg.SrcEntries
	if entries <= 0 {
		entries = r.Options.CqEntries
	}
	if fc.SrcCQ, err = nic.CqCreate(entries, gni.CqNonBlocking); err != nil {
		return fmt.Errorf("create source completion queue: %w", err)
	}
	fc.Defer("source completion queue", fc.SrcCQ.Destroy)

	if cfg.DstEntries > 0 {
		if fc.DstCQ, err = nic.CqCreate(cfg.DstEntries, gni.CqNonBlocking); err != nil {
			return fmt.Errorf("create destination completion queue: %w", err)
		}
		fc.Defer("destination completion queue", fc.DstCQ.Destroy)
	}

	local := make([]byte, 4)
	binary.LittleEndian.PutUint32(local, addr)
	all, err := r.Proc.AllGather(ctx, local)
	if err != nil {
		return fmt.Errorf("exchange nic addresses: %w", err)
	}
	fc.Addresses = make([]uint32, len(all))
	for i, v := range all {
		fc.Addresses[i] = binary.LittleEndian.Uint32(v)
	}

	if cfg.Endpoints {
		fc.Endpoints = make([]*gni.Endpoint, fc.Size)
		for peer := 0; peer < fc.Size; peer++ {
			ep, err := fc.Connect(peer)
			if err != nil {
				return err
			}
			if !r.Options.EventIDs {
				local, remote := fc.Scheme.Local(fc.Rank, peer), fc.Scheme.Remote(fc.Rank, peer)
				if err := ep.SetEventData(local, remote); err != nil {
					return fmt.Errorf("set event data for rank %d: %w", peer, err)
				}
			}
			fc.Endpoints[peer] = ep
		}
	}
	return nil
}

// Connect creates an endpoint on the source queue bound to peer. The
// endpoint is released by Close.
func (fc *FabricContext) Connect(peer int) (*gni.Endpoint, error) {
	if peer < 0 || peer >= len(fc.Addresses) {
		return nil, fmt.Errorf("rank %d outside job of %d ranks", peer, len(fc.Addresses))
	}
	ep, err := fc.Nic.EpCreate(fc.SrcCQ)
	if err != nil {
		return nil, fmt.Errorf("create endpoint for rank %d: %w", peer, err)
	}
	fc.Defer(fmt.Sprintf("endpoint %d", peer), ep.Destroy)
	if err := ep.Bind(fc.Addresses[peer], uint32(peer)); err != nil {
		return nil, fmt.Errorf("bind endpoint to rank %d: %w", peer, err)
	}
	return ep, nil
}

// Register registers buf, binding it to the destination queue when one exists.
func (fc *FabricContext) Register(buf []byte) (*gni.MemoryRegion, error) {
	region, err := fc.Nic.MemRegister(buf, fc.DstCQ, gni.MemReadWrite)
	if err != nil {
		return nil, fmt.Errorf("register %d bytes: %w", len(buf), err)
	}
	fc.Defer("memory region", region.Deregister)
	return region, nil
}

// Defer pushes a release step run by Close.
func (fc *FabricContext) Defer(name string, fn func() error) {
	fc.cleanups = append(fc.cleanups, cleanup{name: name, fn: fn})
}

// Close runs every release step in reverse order. Failures are logged and
// joined; later steps still run.
func (fc *FabricContext) Close() error {
	if fc == nil {
		return nil
	}
	var errs []error
	for i := len(fc.cleanups) - 1; i >= 0; i-- {
		c := fc.cleanups[i]
		if err := c.fn(); err != nil {
			fc.tel.failure("cleanup_error", err, logKV("resource", c.name))
			errs = append(errs, fmt.Errorf("release %s: %w", c.name, err))
		}
	}
	fc.cleanups = nil
	return errors.Join(errs...)
}

// Release runs Close and records a failed teardown check when a release
// step is rejected.
func (fc *FabricContext) Release() {
	if err := fc.Close(); err != nil {
		fc.Check(false, "teardown", "%v", err)
	}
}

// Right returns the next rank around the ring.
func (fc *FabricContext) Right() int {
	return (fc.Rank + 1) % fc.Size
}

// Left returns the previous rank around the ring.
func (fc *FabricContext) Left() int {
	return (fc.Rank + fc.Size - 1) % fc.Size
}

// Check records a verification outcome and returns ok.
func (fc *FabricContext) Check(ok bool, check string, format string, args ...any) bool {
	status := "pass"
	if !ok {
		status = "fail"
		fc.results.Fail(fc.Rank, "%s: "+format, append([]any{check}, args...)...)
		fc.tel.trace("check_failed", logKV("check", check), logKV("detail", fmt.Sprintf(format, args...)))
	} else {
		fc.results.Pass()
		if fc.Options.Verbosity >= 2 {
			fc.tel.event("check_passed", logKV("check", check))
		}
	}
	fc.tel.metricCheck(logKV(labelKind, check), logKV(labelStatus, status))
	return ok
}

// Tolerate records a known outcome that does not count as a failure.
func (fc *FabricContext) Tolerate(check, reason string) {
	fc.results.Tolerate()
	fc.tel.trace("check_tolerated", logKV("check", check), logKV("reason", reason))
	fc.tel.metricCheck(logKV(labelKind, check), logKV(labelStatus, "tolerated"))
}

// Posted records a transaction issued to peer.
func (fc *FabricContext) Posted(desc *gni.PostDescriptor, peer int) {
	op := operationName(desc)
	if fc.Options.Verbosity >= 3 {
		fc.tel.event("posted", logKV(labelOperation, op), logKV("peer", peer), logKV("post_id", desc.PostID))
	}
	fc.tel.metricPosted(logKV(labelOperation, op))
}

// Barrier synchronizes with every rank of the job.
func (fc *FabricContext) Barrier(ctx context.Context) error {
	if err := fc.Proc.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}

// ExchangeMemory publishes the handle and address of region and returns
// every rank's descriptor indexed by rank.
func ExchangeMemory(ctx context.Context, proc pmi.Provider, region *gni.MemoryRegion) ([]gni.RemoteMemory, error) {
	if region == nil {
		return nil, gni.ErrInvalidHandle{Resource: "memory region"}
	}
	local, err := region.Remote().MarshalBinary()
	if err != nil {
		return nil, err
	}
	all, err := proc.AllGather(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("exchange memory descriptors: %w", err)
	}
	out := make([]gni.RemoteMemory, len(all))
	for i, v := range all {
		if err := out[i].UnmarshalBinary(v); err != nil {
			return nil, fmt.Errorf("decode memory descriptor of rank %d: %w", i, err)
		}
	}
	return out, nil
}

func operationName(desc *gni.PostDescriptor) string {
	switch desc.Type {
	case gni.PostAmo:
		return desc.AmoCmd.String()
	case gni.PostCe:
		return desc.CeOp.String()
	default:
		return desc.Type.String()
	}
}
