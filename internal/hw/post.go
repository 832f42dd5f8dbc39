package hw

import (
	"encoding/binary"
	"fmt"
)

// PostType selects the engine and direction of a transaction.
type PostType uint8

const (
	PostRdmaPut PostType = iota + 1
	PostRdmaGet
	PostFmaPut
	PostFmaGet
	PostAmo
	PostCe
)

func (t PostType) String() string {
	switch t {
	case PostRdmaPut:
		return "RDMA_PUT"
	case PostRdmaGet:
		return "RDMA_GET"
	case PostFmaPut:
		return "FMA_PUT"
	case PostFmaGet:
		return "FMA_GET"
	case PostAmo:
		return "AMO"
	case PostCe:
		return "CE"
	default:
		return fmt.Sprintf("POST(%d)", uint8(t))
	}
}

// CqMode selects which completion queues observe a transaction.
type CqMode uint8

const (
	CqModeLocalEvent  CqMode = 1 << iota
	CqModeRemoteEvent
	CqModeGlobalEvent = CqModeLocalEvent | CqModeRemoteEvent
)

// Transaction is the hardware view of a posted descriptor.
type Transaction struct {
	Type         PostType
	CqMode       CqMode
	LocalAddr    uint64
	LocalHandle  MemHandle
	RemoteAddr   uint64
	RemoteHandle MemHandle
	Length       uint64

	AmoCmd AmoCmd
	First  uint64
	Second uint64

	UseEventIDs   bool
	LocalEventID  uint32
	RemoteEventID uint32

	CeOp    CeOp
	CeRedID uint64

	// Result is written when a collective transaction completes.
	Result *CeResult
}

// Post issues tx on the endpoint. Validation failures are returned
// immediately; fabric-side failures surface later as error completions.
// The returned token identifies the local completion.
func (e *Endpoint) Post(tx *Transaction) (uint64, Return) {
	if tx == nil {
		return 0, InvalidParam
	}
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.destroyed || !e.bound {
		return 0, InvalidState
	}
	if len(e.pending) >= MaxOutstanding {
		return 0, ErrorResource
	}
	if tx.Type == PostCe {
		return e.postCe(tx)
	}
	if rc := validate(tx); rc != Success {
		return 0, rc
	}
	remote, ok := f.ports[e.remote]
	if ok && !e.port.credentialsMatch(remote) {
		return 0, PermissionError
	}

	var local []byte
	if needsLocal(tx) {
		var rc Return
		if _, local, rc = e.port.resolve(tx.LocalHandle, tx.LocalAddr, tx.Length); rc != Success {
			return 0, InvalidParam
		}
	}

	localID, remoteID := e.localEvent, e.remoteEvent
	if tx.UseEventIDs {
		localID, remoteID = tx.LocalEventID, tx.RemoteEventID
	}
	var token uint64
	if tx.CqMode&CqModeLocalEvent != 0 {
		token = e.track()
	}

	txErr := f.execute(e, remote, tx, local)
	if txErr == nil && tx.CqMode&CqModeRemoteEvent != 0 {
		if r, _, rc := remote.resolve(tx.RemoteHandle, tx.RemoteAddr, tx.Length); rc == Success && r.cq != nil {
			r.cq.push(Entry{Kind: EntryRemote, InstID: remoteID, Source: e.port.key})
		}
	}
	if token != 0 {
		e.cq.push(Entry{Kind: EntryPost, InstID: localID, Source: e.remote, Token: token, Err: txErr, ep: e})
	}
	return token, Success
}

func validate(tx *Transaction) Return {
	if tx.CqMode == 0 || tx.CqMode&^CqModeGlobalEvent != 0 {
		return InvalidParam
	}
	switch tx.Type {
	case PostRdmaPut, PostRdmaGet, PostFmaPut, PostFmaGet:
		if tx.Length == 0 {
			return InvalidParam
		}
		if tx.Length%4 != 0 || tx.LocalAddr%4 != 0 || tx.RemoteAddr%4 != 0 {
			return AlignmentError
		}
	case PostAmo:
		if !tx.AmoCmd.Valid() {
			return InvalidParam
		}
		if tx.Length == 0 {
			tx.Length = 8
		}
		if tx.Length != 8 {
			return InvalidParam
		}
		if tx.RemoteAddr%8 != 0 || tx.AmoCmd.Fetching() && tx.LocalAddr%8 != 0 {
			return AlignmentError
		}
	default:
		return InvalidParam
	}
	return Success
}

func needsLocal(tx *Transaction) bool {
	if tx.Type == PostAmo {
		return tx.AmoCmd.Fetching()
	}
	return true
}

// execute moves data for tx. Caller holds the fabric mutex.
func (f *Fabric) execute(e *Endpoint, remote *Port, tx *Transaction, local []byte) *TxError {
	if remote == nil || remote.closed {
		return &TxError{Code: TransactionError, Message: fmt.Sprintf("remote instance %d at 0x%x not attached", e.remote.Inst, e.remote.Addr)}
	}
	if fault, ok := f.takeFault(); ok {
		return &TxError{Code: fault.Code, Recoverable: fault.Recoverable, Message: fault.Message}
	}
	region, target, rc := remote.resolve(tx.RemoteHandle, tx.RemoteAddr, tx.Length)
	if rc != Success {
		return &TxError{Code: TransactionError, Message: fmt.Sprintf("remote memory access at 0x%x+%d rejected: %s", tx.RemoteAddr, tx.Length, rc)}
	}
	writes := tx.Type == PostRdmaPut || tx.Type == PostFmaPut || tx.Type == PostAmo
	if writes && region.flags&MemReadOnly != 0 {
		return &TxError{Code: PermissionError, Message: "remote region is read-only"}
	}
	switch tx.Type {
	case PostRdmaPut, PostFmaPut:
		copy(target, local)
	case PostRdmaGet, PostFmaGet:
		copy(local, target)
	case PostAmo:
		old := binary.LittleEndian.Uint64(target)
		binary.LittleEndian.PutUint64(target, ApplyAmo(tx.AmoCmd.Op(), old, tx.First, tx.Second))
		if tx.AmoCmd.Fetching() {
			binary.LittleEndian.PutUint64(local, old)
		}
	}
	return nil
}
