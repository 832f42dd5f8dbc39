// Package reduce holds the tagged command variants used by the atomic and
// collective scenarios. Each variant both builds the operands a rank posts
// and computes the expected outcome independently of the fabric.
package reduce

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/rocketbitz/gni-go/gni"
)

// Operand is a value and index pair. Index is only meaningful for MIN/MAX variants.
type Operand struct {
	Value uint64
	Index uint64
}

// Float interprets the value as an IEEE-754 double.
func (o Operand) Float() float64 {
	return math.Float64frombits(o.Value)
}

// CeCommand is a collective reduction variant.
type CeCommand struct {
	Op gni.CeOp
}

type ceHandler struct {
	operand func(rank int) Operand
	fold    func(ops []Operand) Operand
}

var ceHandlers = map[gni.CeOp]ceHandler{
	gni.CeOpAnd:      {operand: clearedBit, fold: foldBits(func(a, b uint64) uint64 { return a & b })},
	gni.CeOpOr:       {operand: setBit, fold: foldBits(func(a, b uint64) uint64 { return a | b })},
	gni.CeOpXor:      {operand: setBit, fold: foldBits(func(a, b uint64) uint64 { return a ^ b })},
	gni.CeOpIAdd:     {operand: rankPlusOne, fold: foldBits(func(a, b uint64) uint64 { return a + b })},
	gni.CeOpFAdd:     {operand: floatRank, fold: foldFloatSum},
	gni.CeOpIMinLidx: {operand: halfRank, fold: foldInt(true, true)},
	gni.CeOpIMinGidx: {operand: halfRank, fold: foldInt(true, false)},
	gni.CeOpIMaxLidx: {operand: halfRank, fold: foldInt(false, true)},
	gni.CeOpIMaxGidx: {operand: halfRank, fold: foldInt(false, false)},
	gni.CeOpFMinLidx: {operand: floatHalfRank, fold: foldFloat(true, true)},
	gni.CeOpFMinGidx: {operand: floatHalfRank, fold: foldFloat(true, false)},
	gni.CeOpFMaxLidx: {operand: floatHalfRank, fold: foldFloat(false, true)},
	gni.CeOpFMaxGidx: {operand: floatHalfRank, fold: foldFloat(false, false)},
}

// ParseCeCommand maps a command name such as "and" or "fmin_gidx" to its variant.
func ParseCeCommand(name string) (CeCommand, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for op := range ceHandlers {
		if op.String() == want {
			return CeCommand{Op: op}, nil
		}
	}
	return CeCommand{}, fmt.Errorf("reduce: unknown collective command %q", name)
}

// CeCommands lists every collective variant in operation order.
func CeCommands() []CeCommand {
	out := make([]CeCommand, 0, len(ceHandlers))
	for op := gni.CeOpAnd; op <= gni.CeOpFMaxGidx; op++ {
		out = append(out, CeCommand{Op: op})
	}
	return out
}

func (c CeCommand) String() string {
	return c.Op.String()
}

func (c CeCommand) handler() ceHandler {
	h, ok := ceHandlers[c.Op]
	if !ok {
		panic(fmt.Sprintf("reduce: no handler for %s", c.Op))
	}
	return h
}

// Operand returns the contribution of rank.
func (c CeCommand) Operand(rank int) Operand {
	return c.handler().operand(rank)
}

// Expected folds the contributions of ranks, which must be in ascending order.
func (c CeCommand) Expected(ranks []int) Operand {
	ops := make([]Operand, len(ranks))
	for i, r := range ranks {
		ops[i] = c.Operand(r)
	}
	return c.handler().fold(ops)
}

// Indexed reports whether the result carries the index of the extremal contribution.
func (c CeCommand) Indexed() bool {
	return c.Op >= gni.CeOpIMinLidx
}

// Descriptor builds the collective post for rank.
func (c CeCommand) Descriptor(rank int, redID uint64) *gni.PostDescriptor {
	op := c.Operand(rank)
	return &gni.PostDescriptor{
		Type:          gni.PostCe,
		CqMode:        gni.CqModeLocalEvent,
		CeOp:          c.Op,
		CeRedID:       redID,
		FirstOperand:  op.Value,
		SecondOperand: op.Index,
	}
}

// Matches reports whether a gathered result equals want.
func (c CeCommand) Matches(got gni.CeResult, want Operand) bool {
	if got.Value != want.Value {
		return false
	}
	return !c.Indexed() || got.Index == want.Index
}

func clearedBit(rank int) Operand { return Operand{Value: ^(uint64(1) << (uint(rank) % 64))} }

func setBit(rank int) Operand { return Operand{Value: uint64(1) << (uint(rank) % 64)} }

func rankPlusOne(rank int) Operand { return Operand{Value: uint64(rank + 1)} }

func floatRank(rank int) Operand {
	return Operand{Value: math.Float64bits(float64(rank) + 0.5)}
}

func halfRank(rank int) Operand {
	return Operand{Value: uint64(rank / 2), Index: uint64(rank)}
}

func floatHalfRank(rank int) Operand {
	return Operand{Value: math.Float64bits(float64(rank/2) + 0.25), Index: uint64(rank)}
}

func foldBits(fn func(a, b uint64) uint64) func([]Operand) Operand {
	return func(ops []Operand) Operand {
		var out Operand
		for i, op := range ops {
			if i == 0 {
				out.Value = op.Value
				continue
			}
			out.Value = fn(out.Value, op.Value)
		}
		return out
	}
}

func foldFloatSum(ops []Operand) Operand {
	return Operand{Value: math.Float64bits(floats.Sum(floatValues(ops)))}
}

// foldInt picks the extremal signed value. Ties resolve to the first operand
// when lowIndex is set and to the last otherwise.
func foldInt(min, lowIndex bool) func([]Operand) Operand {
	return func(ops []Operand) Operand {
		best := -1
		for i, op := range ops {
			if best < 0 {
				best = i
				continue
			}
			v, b := int64(op.Value), int64(ops[best].Value)
			switch {
			case min && v < b, !min && v > b:
				best = i
			case v == b && !lowIndex:
				best = i
			}
		}
		if best < 0 {
			return Operand{}
		}
		return ops[best]
	}
}

func foldFloat(min, lowIndex bool) func([]Operand) Operand {
	return func(ops []Operand) Operand {
		if len(ops) == 0 {
			return Operand{}
		}
		values := floatValues(ops)
		if !lowIndex {
			floats.Reverse(values)
		}
		var idx int
		if min {
			idx = floats.MinIdx(values)
		} else {
			idx = floats.MaxIdx(values)
		}
		if !lowIndex {
			idx = len(values) - 1 - idx
		}
		return ops[idx]
	}
}

func floatValues(ops []Operand) []float64 {
	values := make([]float64, len(ops))
	for i, op := range ops {
		values[i] = op.Float()
	}
	return values
}
