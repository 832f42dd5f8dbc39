package gni

import "github.com/rocketbitz/gni-go/internal/hw"

// AmoOp is the arithmetic applied by an atomic memory operation.
type AmoOp = hw.AmoOp

const (
	AmoOpAnd   = hw.AmoOpAnd
	AmoOpOr    = hw.AmoOpOr
	AmoOpXor   = hw.AmoOpXor
	AmoOpAdd   = hw.AmoOpAdd
	AmoOpAx    = hw.AmoOpAx
	AmoOpCswap = hw.AmoOpCswap
)

// AmoCmd selects an atomic operation and its fetching and cache-coherent variant.
type AmoCmd = hw.AmoCmd

const (
	AmoCmdAnd    = hw.AmoAnd
	AmoCmdOr     = hw.AmoOr
	AmoCmdXor    = hw.AmoXor
	AmoCmdAdd    = hw.AmoAdd
	AmoCmdAx     = hw.AmoAx
	AmoCmdFAnd   = hw.AmoFAnd
	AmoCmdFOr    = hw.AmoFOr
	AmoCmdFXor   = hw.AmoFXor
	AmoCmdFAdd   = hw.AmoFAdd
	AmoCmdFAx    = hw.AmoFAx
	AmoCmdFCswap = hw.AmoFCswap
)

// NewAmoCmd composes an atomic command.
func NewAmoCmd(op AmoOp, fetch, coherent bool) AmoCmd {
	return hw.NewAmoCmd(op, fetch, coherent)
}
