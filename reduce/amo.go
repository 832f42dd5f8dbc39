package reduce

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/gni-go/gni"
)

// DefaultData is the pattern target words hold before any operation lands.
const DefaultData = ^uint64(0)

// AmoCommand is an atomic memory operation variant.
type AmoCommand struct {
	Cmd gni.AmoCmd
}

type amoHandler struct {
	initial  uint64
	operands func(sender, iter int) (first, second uint64)
	apply    func(target, first, second uint64) uint64
}

var amoHandlers = map[gni.AmoOp]amoHandler{
	gni.AmoOpAnd: {
		initial:  DefaultData,
		operands: func(sender, _ int) (uint64, uint64) { return clearedBit(sender).Value, 0 },
		apply:    func(t, a, _ uint64) uint64 { return t & a },
	},
	gni.AmoOpOr: {
		operands: func(sender, _ int) (uint64, uint64) { return setBit(sender).Value, 0 },
		apply:    func(t, a, _ uint64) uint64 { return t | a },
	},
	gni.AmoOpXor: {
		operands: func(sender, _ int) (uint64, uint64) { return setBit(sender).Value, 0 },
		apply:    func(t, a, _ uint64) uint64 { return t ^ a },
	},
	gni.AmoOpAdd: {
		operands: func(sender, iter int) (uint64, uint64) { return uint64(sender+1)<<32 | uint64(iter), 0 },
		apply:    func(t, a, _ uint64) uint64 { return t + a },
	},
	gni.AmoOpAx: {
		initial: DefaultData,
		operands: func(sender, _ int) (uint64, uint64) {
			return clearedBit(sender).Value, setBit(sender + 1).Value
		},
		apply: func(t, a, b uint64) uint64 { return t&a ^ b },
	},
	gni.AmoOpCswap: {
		initial:  DefaultData,
		operands: func(sender, iter int) (uint64, uint64) { return DefaultData, Pattern(sender, iter) },
		apply: func(t, a, b uint64) uint64 {
			if t == a {
				return b
			}
			return t
		},
	},
}

// Pattern is the payload word a sender writes for iteration iter.
func Pattern(sender, iter int) uint64 {
	return 0xdddd<<48 | uint64(sender&0xffffff)<<24 | uint64(iter&0xffffff)
}

// NewAmoCommand selects a variant from the example switches: add and cswap
// pick the operation (AND otherwise), fetch returns the pre-image and
// coherent requests the cache-coherent form.
func NewAmoCommand(add, cswap, fetch, coherent bool) AmoCommand {
	op := gni.AmoOpAnd
	switch {
	case cswap:
		op = gni.AmoOpCswap
	case add:
		op = gni.AmoOpAdd
	}
	return AmoCommand{Cmd: gni.NewAmoCmd(op, fetch, coherent)}
}

// ParseAmoCommand maps names such as "and", "fadd" or "fcswap_c" to a variant.
func ParseAmoCommand(name string) (AmoCommand, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for op := range amoHandlers {
		for _, fetch := range []bool{false, true} {
			for _, coherent := range []bool{false, true} {
				cmd := gni.NewAmoCmd(op, fetch, coherent)
				if cmd.String() == want {
					return AmoCommand{Cmd: cmd}, nil
				}
			}
		}
	}
	return AmoCommand{}, fmt.Errorf("reduce: unknown atomic command %q", name)
}

// AmoCommands lists every non-coherent variant.
func AmoCommands() []AmoCommand {
	cmds := []gni.AmoCmd{
		gni.AmoCmdAnd, gni.AmoCmdOr, gni.AmoCmdXor, gni.AmoCmdAdd, gni.AmoCmdAx,
		gni.AmoCmdFAnd, gni.AmoCmdFOr, gni.AmoCmdFXor, gni.AmoCmdFAdd, gni.AmoCmdFAx,
		gni.AmoCmdFCswap,
	}
	out := make([]AmoCommand, len(cmds))
	for i, cmd := range cmds {
		out[i] = AmoCommand{Cmd: cmd}
	}
	return out
}

func (c AmoCommand) String() string {
	return c.Cmd.String()
}

func (c AmoCommand) handler() amoHandler {
	h, ok := amoHandlers[c.Cmd.Op()]
	if !ok {
		panic(fmt.Sprintf("reduce: no handler for %s", c.Cmd))
	}
	return h
}

// Fetching reports whether the variant returns the pre-image.
func (c AmoCommand) Fetching() bool {
	return c.Cmd.Fetching()
}

// Initial is the value a target word holds before the scenario runs.
func (c AmoCommand) Initial() uint64 {
	return c.handler().initial
}

// Operands returns the operands sender posts for iteration iter.
func (c AmoCommand) Operands(sender, iter int) (first, second uint64) {
	return c.handler().operands(sender, iter)
}

// Expected returns the target word after sender's operation for iter lands
// on a word holding Initial.
func (c AmoCommand) Expected(sender, iter int) uint64 {
	h := c.handler()
	first, second := h.operands(sender, iter)
	return h.apply(h.initial, first, second)
}

// PreImage returns the value a fetching variant reports for sender's operation.
func (c AmoCommand) PreImage() uint64 {
	return c.Initial()
}

// Descriptor builds the atomic post for sender and iteration iter. Callers
// fill in addresses and memory handles.
func (c AmoCommand) Descriptor(sender, iter int) *gni.PostDescriptor {
	first, second := c.Operands(sender, iter)
	return &gni.PostDescriptor{
		Type:          gni.PostAmo,
		CqMode:        gni.CqModeGlobalEvent,
		AmoCmd:        c.Cmd,
		Length:        8,
		FirstOperand:  first,
		SecondOperand: second,
	}
}
