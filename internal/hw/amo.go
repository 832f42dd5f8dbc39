package hw

import "fmt"

// AmoOp is the arithmetic applied by an atomic memory operation.
type AmoOp uint8

const (
	AmoOpAnd AmoOp = iota + 1
	AmoOpOr
	AmoOpXor
	AmoOpAdd
	// AmoOpAx applies (target & first) ^ second.
	AmoOpAx
	// AmoOpCswap stores second when the target equals first.
	AmoOpCswap
)

func (o AmoOp) String() string {
	switch o {
	case AmoOpAnd:
		return "AND"
	case AmoOpOr:
		return "OR"
	case AmoOpXor:
		return "XOR"
	case AmoOpAdd:
		return "ADD"
	case AmoOpAx:
		return "AX"
	case AmoOpCswap:
		return "CSWAP"
	default:
		return fmt.Sprintf("AMO_OP(%d)", uint8(o))
	}
}

// AmoCmd selects an atomic operation and its fetch/coherency variant.
type AmoCmd uint16

const (
	amoFetch    AmoCmd = 0x100
	amoCoherent AmoCmd = 0x200
)

const (
	AmoAnd  = AmoCmd(AmoOpAnd)
	AmoOr   = AmoCmd(AmoOpOr)
	AmoXor  = AmoCmd(AmoOpXor)
	AmoAdd  = AmoCmd(AmoOpAdd)
	AmoAx   = AmoCmd(AmoOpAx)
	AmoFAnd = AmoAnd | amoFetch
	AmoFOr  = AmoOr | amoFetch
	AmoFXor = AmoXor | amoFetch
	AmoFAdd = AmoAdd | amoFetch
	AmoFAx  = AmoAx | amoFetch
	// AmoFCswap is always fetching.
	AmoFCswap = AmoCmd(AmoOpCswap) | amoFetch
)

// NewAmoCmd composes a command from its parts.
func NewAmoCmd(op AmoOp, fetch, coherent bool) AmoCmd {
	cmd := AmoCmd(op)
	if fetch || op == AmoOpCswap {
		cmd |= amoFetch
	}
	if coherent {
		cmd |= amoCoherent
	}
	return cmd
}

// Op returns the arithmetic of the command.
func (c AmoCmd) Op() AmoOp { return AmoOp(c & 0xff) }

// Fetching reports whether the pre-operation value is returned to the initiator.
func (c AmoCmd) Fetching() bool { return c&amoFetch != 0 }

// Coherent reports whether the cache-coherent variant was requested.
func (c AmoCmd) Coherent() bool { return c&amoCoherent != 0 }

// Coherently returns the cache-coherent variant of c.
func (c AmoCmd) Coherently() AmoCmd { return c | amoCoherent }

// Valid reports whether the command names a known operation.
func (c AmoCmd) Valid() bool {
	op := c.Op()
	if op < AmoOpAnd || op > AmoOpCswap {
		return false
	}
	if op == AmoOpCswap && !c.Fetching() {
		return false
	}
	return c&^(0xff|amoFetch|amoCoherent) == 0
}

func (c AmoCmd) String() string {
	name := c.Op().String()
	if c.Fetching() {
		name = "F" + name
	}
	if c.Coherent() {
		name += "_C"
	}
	return name
}

// ApplyAmo returns the new target value for old under op with the given operands.
func ApplyAmo(op AmoOp, old, first, second uint64) uint64 {
	switch op {
	case AmoOpAnd:
		return old & first
	case AmoOpOr:
		return old | first
	case AmoOpXor:
		return old ^ first
	case AmoOpAdd:
		return old + first
	case AmoOpAx:
		return (old & first) ^ second
	case AmoOpCswap:
		if old == first {
			return second
		}
		return old
	default:
		return old
	}
}
