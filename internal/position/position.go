// Package position derives holdings and cost basis from executions.
//
// Apply is a pure function of (prior position, execution): the execution
// simulator calls it incrementally on the write path, and Replay folds it
// over the full execution history for verification. Both paths must agree.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
)

// Change is the result of applying one execution to a position.
type Change struct {
	// Position is the resulting row, nil when the position fully closed.
	Position *model.Position

	// Closed reports that the row should be deleted (quantity hit zero).
	Closed bool

	// RealizedPnL is the profit or loss locked in by this execution alone.
	RealizedPnL decimal.Decimal
}

// Apply folds one execution into a position. prior may be nil (no open
// position). The execution's signed delta is +quantity for BUY and
// -quantity for SELL.
func Apply(prior *model.Position, e *model.Execution) Change {
	delta := e.Quantity.Mul(e.Side.Sign())
	now := e.ExecutedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if prior == nil || prior.Quantity.IsZero() {
		return Change{Position: &model.Position{
			AccountID:   e.AccountID,
			Symbol:      e.Symbol,
			Quantity:    delta,
			AverageCost: e.Price,
			RealizedPnL: decimal.Zero,
			UpdatedAt:   now,
		}}
	}

	sameDirection := prior.Quantity.Sign() == delta.Sign()
	if sameDirection {
		// Increase: quantity-weighted average cost.
		newQty := prior.Quantity.Add(delta)
		newCost := prior.Quantity.Abs().Mul(prior.AverageCost).
			Add(delta.Abs().Mul(e.Price)).
			Div(newQty.Abs())
		return Change{Position: &model.Position{
			AccountID:   prior.AccountID,
			Symbol:      prior.Symbol,
			Quantity:    newQty,
			AverageCost: newCost,
			RealizedPnL: prior.RealizedPnL,
			UpdatedAt:   now,
		}}
	}

	// Opposite direction: realize PnL on the portion that closes.
	closing := decimal.Min(delta.Abs(), prior.Quantity.Abs())
	sign := decimal.NewFromInt(int64(prior.Quantity.Sign()))
	realized := closing.Mul(e.Price.Sub(prior.AverageCost)).Mul(sign)

	newQty := prior.Quantity.Add(delta)
	switch {
	case newQty.IsZero():
		return Change{Closed: true, RealizedPnL: realized}

	case newQty.Sign() == prior.Quantity.Sign():
		// Partial reduction: average cost unchanged.
		return Change{
			Position: &model.Position{
				AccountID:   prior.AccountID,
				Symbol:      prior.Symbol,
				Quantity:    newQty,
				AverageCost: prior.AverageCost,
				RealizedPnL: prior.RealizedPnL.Add(realized),
				UpdatedAt:   now,
			},
			RealizedPnL: realized,
		}

	default:
		// Crossed through zero: the remainder opens a fresh position at
		// the fill price.
		return Change{
			Position: &model.Position{
				AccountID:   prior.AccountID,
				Symbol:      prior.Symbol,
				Quantity:    newQty,
				AverageCost: e.Price,
				RealizedPnL: prior.RealizedPnL.Add(realized),
				UpdatedAt:   now,
			},
			RealizedPnL: realized,
		}
	}
}

// Replay recomputes the position for one (account, symbol) from the full
// ordered execution history. Verification only, never the write hot path.
// Returns nil when the history nets flat.
func Replay(execs []model.Execution) *model.Position {
	var p *model.Position
	for i := range execs {
		ch := Apply(p, &execs[i])
		if ch.Closed {
			p = nil
			continue
		}
		p = ch.Position
	}
	return p
}

// UnrealizedPnL is the mark-to-market gain on an open position. Computed
// on read, never stored.
func UnrealizedPnL(p *model.Position, currentPrice decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Quantity.Mul(currentPrice.Sub(p.AverageCost))
}
