package diag

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/gni-go/gni"
	"github.com/rocketbitz/gni-go/reduce"
)

// MsgQueue is a one-slot-per-sender mailbox. Each slot holds an 8-byte
// sequence flag followed by the payload; a sender writes the payload first
// and the flag last so a receiver that observes the flag sees the payload.
type MsgQueue struct {
	fc          *FabricContext
	reaper      *Reaper
	pool        *gni.MRPool
	payloadSize int

	// slots[sender] is the local slot that sender writes into.
	slots []*gni.MemoryRegion
	// remote[dst][sender] is the slot sender writes into on dst.
	remote [][]gni.RemoteMemory
}

const mailboxFlagSize = 8

// NewMsgQueue allocates and publishes the rank's slots. Every rank of the
// job must call it.
func NewMsgQueue(ctx context.Context, fc *FabricContext, payloadSize int) (*MsgQueue, error) {
	if payloadSize <= 0 || payloadSize%8 != 0 {
		return nil, fmt.Errorf("mailbox payload must be a positive multiple of 8 bytes, got %d", payloadSize)
	}
	pool, err := gni.NewMRPool(fc.Nic, mailboxFlagSize+payloadSize, gni.MemReadWrite, fc.DstCQ, fc.Size+1)
	if err != nil {
		return nil, fmt.Errorf("create mailbox pool: %w", err)
	}
	fc.Defer("mailbox pool", func() error {
		pool.Close()
		return nil
	})
	q := &MsgQueue{
		fc:          fc,
		reaper:      NewReaper(fc),
		pool:        pool,
		payloadSize: payloadSize,
		slots:       make([]*gni.MemoryRegion, fc.Size),
	}
	fc.Defer("mailbox slots", func() error {
		for _, slot := range q.slots {
			pool.Release(slot)
		}
		return nil
	})

	local := make([]byte, 0, fc.Size*gni.RemoteMemorySize)
	for sender := range q.slots {
		slot, err := pool.Acquire()
		if err != nil {
			return nil, fmt.Errorf("acquire slot for rank %d: %w", sender, err)
		}
		if err := slot.Fill(0); err != nil {
			return nil, err
		}
		q.slots[sender] = slot
		rec, err := slot.Remote().MarshalBinary()
		if err != nil {
			return nil, err
		}
		local = append(local, rec...)
	}
	all, err := fc.Proc.AllGather(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("exchange mailbox slots: %w", err)
	}
	q.remote = make([][]gni.RemoteMemory, len(all))
	for dst, table := range all {
		q.remote[dst] = make([]gni.RemoteMemory, fc.Size)
		for sender := range q.remote[dst] {
			rec := table[sender*gni.RemoteMemorySize : (sender+1)*gni.RemoteMemorySize]
			if err := q.remote[dst][sender].UnmarshalBinary(rec); err != nil {
				return nil, fmt.Errorf("decode slot %d of rank %d: %w", sender, dst, err)
			}
		}
	}
	return q, nil
}

// Send delivers payload with sequence number seq to dst. seq must be
// non-zero and differ from the previous message on the same slot.
func (q *MsgQueue) Send(ctx context.Context, dst int, seq uint64, payload []byte) error {
	if len(payload) != q.payloadSize {
		return fmt.Errorf("payload has %d bytes, want %d", len(payload), q.payloadSize)
	}
	if seq == 0 {
		return errors.New("sequence number must be non-zero")
	}
	staging, err := q.pool.Acquire()
	if err != nil {
		return fmt.Errorf("acquire staging region: %w", err)
	}
	defer q.pool.Release(staging)
	if err := staging.WriteAt(payload, mailboxFlagSize); err != nil {
		return err
	}
	if err := staging.Store64(0, seq); err != nil {
		return err
	}

	slot := q.remote[dst][q.fc.Rank]
	data := &gni.PostDescriptor{
		Type:            gni.PostFmaPut,
		CqMode:          gni.CqModeLocalEvent,
		LocalAddr:       staging.Address() + mailboxFlagSize,
		LocalMemHandle:  staging.Handle(),
		RemoteAddr:      slot.Address + mailboxFlagSize,
		RemoteMemHandle: slot.Handle,
		Length:          uint64(q.payloadSize),
		PostID:          seq,
	}
	flag := *data
	flag.LocalAddr = staging.Address()
	flag.RemoteAddr = slot.Address
	flag.Length = mailboxFlagSize
	for _, desc := range []*gni.PostDescriptor{data, &flag} {
		if err := q.fc.Endpoints[dst].PostFma(desc); err != nil {
			return fmt.Errorf("send to rank %d: %w", dst, err)
		}
		q.fc.Posted(desc, dst)
		if _, err := q.reaper.ReapLocal(ctx, dst); err != nil {
			return err
		}
	}
	return nil
}

// Recv waits until src's slot carries seq and returns a copy of the payload.
func (q *MsgQueue) Recv(ctx context.Context, src int, seq uint64) ([]byte, error) {
	slot := q.slots[src]
	err := gni.Poll(ctx, q.fc.Options.Backoff, func() error {
		got, err := slot.Load64(0)
		if err != nil {
			return err
		}
		if got != seq {
			return gni.ErrNotDone
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("receive %d from rank %d: %w", seq, src, err)
	}
	payload := make([]byte, q.payloadSize)
	if err := slot.ReadAt(payload, mailboxFlagSize); err != nil {
		return nil, err
	}
	return payload, nil
}

// Mailbox exchanges Transfers messages around the ring through a MsgQueue.
type Mailbox struct{}

func (Mailbox) Name() string { return "msgq" }

// mailboxPayload is the message sender writes for round seq.
func mailboxPayload(words, sender int, seq uint64) []byte {
	buf := make([]byte, words*8)
	for w := 0; w < words; w++ {
		binary.LittleEndian.PutUint64(buf[w*8:], reduce.Pattern(sender, int(seq))+uint64(w))
	}
	return buf
}

func (Mailbox) Run(ctx context.Context, r *Rank) error {
	opts := r.Options
	fc, err := r.Open(ctx, ContextConfig{
		SrcEntries: max(opts.CqEntries, 2*opts.Ranks),
		Endpoints:  true,
		Scheme:     opts.Scheme(),
	})
	if err != nil {
		return err
	}
	defer fc.Release()

	q, err := NewMsgQueue(ctx, fc, opts.Length*8)
	if err != nil {
		return err
	}
	if err := fc.Barrier(ctx); err != nil {
		return err
	}
	right, left := fc.Right(), fc.Left()
	for round := 1; round <= opts.Transfers; round++ {
		seq := uint64(round)
		if err := q.Send(ctx, right, seq, mailboxPayload(opts.Length, fc.Rank, seq)); err != nil {
			return err
		}
		got, err := q.Recv(ctx, left, seq)
		if err != nil {
			return err
		}
		want := mailboxPayload(opts.Length, left, seq)
		fc.Check(bytes.Equal(got, want), "message", "round %d from rank %d: payload mismatch", round, left)
		if err := fc.Barrier(ctx); err != nil {
			return err
		}
	}
	return nil
}
