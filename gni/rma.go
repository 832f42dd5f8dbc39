package gni

import (
	"errors"

	"github.com/rocketbitz/gni-go/internal/hw"
)

// PostType selects the engine and direction of a descriptor.
type PostType = hw.PostType

const (
	PostRdmaPut = hw.PostRdmaPut
	PostRdmaGet = hw.PostRdmaGet
	PostFmaPut  = hw.PostFmaPut
	PostFmaGet  = hw.PostFmaGet
	PostAmo     = hw.PostAmo
	PostCe      = hw.PostCe
)

// CqMode selects which completion queues observe a descriptor.
type CqMode = hw.CqMode

const (
	CqModeLocalEvent  = hw.CqModeLocalEvent
	CqModeRemoteEvent = hw.CqModeRemoteEvent
	CqModeGlobalEvent = hw.CqModeGlobalEvent
)

// DlvrMode requests a delivery ordering. The software fabric delivers every
// descriptor in post order regardless of the mode.
type DlvrMode uint8

const (
	DlvrModePerformance DlvrMode = iota
	DlvrModeInOrder
)

// PostDescriptor is the unit of work posted to an endpoint. It must not be
// modified or reposted until its local completion has been retrieved.
type PostDescriptor struct {
	Type            PostType
	CqMode          CqMode
	DlvrMode        DlvrMode
	LocalAddr       uint64
	LocalMemHandle  MemHandle
	RemoteAddr      uint64
	RemoteMemHandle MemHandle
	Length          uint64

	AmoCmd        AmoCmd
	FirstOperand  uint64
	SecondOperand uint64

	CeOp    CeOp
	CeRedID uint64

	// PostID is caller bookkeeping returned unchanged with the descriptor.
	PostID uint64
	// UseEventIDs replaces the endpoint event data with SrcCqData and RemoteEventID.
	UseEventIDs   bool
	SrcCqData     uint32
	RemoteEventID uint32

	ep        *hw.Endpoint
	token     uint64
	tx        *hw.Transaction
	inFlight  bool
	completed bool
	failed    bool
}

// Failed reports whether the descriptor's completion carried a transaction error.
func (d *PostDescriptor) Failed() bool {
	return d != nil && d.failed
}

// Completed reports whether the descriptor's local completion was retrieved.
func (d *PostDescriptor) Completed() bool {
	return d != nil && d.completed
}

// PostRdma posts an RDMA put or get on the bulk transfer engine.
func (e *Endpoint) PostRdma(desc *PostDescriptor) error {
	if desc != nil && desc.Type != PostRdmaPut && desc.Type != PostRdmaGet {
		return RcInvalidParam.WithOp("PostRdma")
	}
	return e.post(desc, "PostRdma")
}

// PostFma posts an FMA put, get or atomic memory operation.
func (e *Endpoint) PostFma(desc *PostDescriptor) error {
	if desc != nil && desc.Type != PostFmaPut && desc.Type != PostFmaGet && desc.Type != PostAmo {
		return RcInvalidParam.WithOp("PostFma")
	}
	return e.post(desc, "PostFma")
}

func (e *Endpoint) post(desc *PostDescriptor, op string) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if desc == nil {
		return errors.New("gni: nil post descriptor")
	}
	if desc.inFlight {
		return ErrDescriptorInFlight
	}
	tx := desc.transaction()
	token, rc := e.handle.Post(tx)
	if rc != hw.Success {
		return rc.WithOp(op)
	}
	desc.tx = tx
	desc.completed = false
	desc.failed = false
	if token != 0 {
		registerCompletion(e.handle, token, desc)
	}
	return nil
}

func (d *PostDescriptor) transaction() *hw.Transaction {
	return &hw.Transaction{
		Type:          d.Type,
		CqMode:        d.CqMode,
		LocalAddr:     d.LocalAddr,
		LocalHandle:   d.LocalMemHandle,
		RemoteAddr:    d.RemoteAddr,
		RemoteHandle:  d.RemoteMemHandle,
		Length:        d.Length,
		AmoCmd:        d.AmoCmd,
		First:         d.FirstOperand,
		Second:        d.SecondOperand,
		UseEventIDs:   d.UseEventIDs,
		LocalEventID:  d.SrcCqData,
		RemoteEventID: d.RemoteEventID,
		CeOp:          d.CeOp,
		CeRedID:       d.CeRedID,
	}
}
