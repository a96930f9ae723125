package backtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/simple-backtester/internal/risk"
)

var (
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrPositionExists   = errors.New("position already open")
	ErrNoPosition       = errors.New("no open position")
)

// Position is an open holding in one symbol.
type Position struct {
	Symbol          string
	Side            risk.Side
	Quantity        float64
	EntryPrice      float64
	EntryTime       time.Time
	EntryCommission float64
	Levels          risk.Levels
	MAE             float64
	MFE             float64
}

// Value is the signed mark-to-market value: positive for longs, negative for shorts.
func (p *Position) Value(mark float64) float64 {
	return float64(p.Side) * p.Quantity * mark
}

// track updates excursions with one bar. MAE is <= 0 and MFE >= 0, per unit.
func (p *Position) track(high, low float64) {
	var adverse, favorable float64
	if p.Side == risk.Short {
		adverse, favorable = p.EntryPrice-high, p.EntryPrice-low
	} else {
		adverse, favorable = low-p.EntryPrice, high-p.EntryPrice
	}
	if adverse < p.MAE {
		p.MAE = adverse
	}
	if favorable > p.MFE {
		p.MFE = favorable
	}
}

// Ledger keeps cash and open positions. Buying spends cash, selling adds
// it, so a short raises cash and carries a negative position value.
type Ledger struct {
	cash       float64
	commission float64
	positions  map[string]*Position
}

func NewLedger(cash, commission float64) *Ledger {
	return &Ledger{
		cash:       cash,
		commission: commission,
		positions:  make(map[string]*Position),
	}
}

func (l *Ledger) Cash() float64 { return l.cash }

func (l *Ledger) Position(symbol string) *Position { return l.positions[symbol] }

// PositionValue sums signed position values at the given marks.
func (l *Ledger) PositionValue(marks map[string]float64) float64 {
	var v float64
	for sym, p := range l.positions {
		v += p.Value(marks[sym])
	}
	return v
}

func (l *Ledger) Equity(marks map[string]float64) float64 {
	return l.cash + l.PositionValue(marks)
}

// Open enters a position at price. A long must be affordable including commission.
func (l *Ledger) Open(symbol string, side risk.Side, qty, price float64, at time.Time) (Fill, error) {
	if _, ok := l.positions[symbol]; ok {
		return Fill{}, fmt.Errorf("%w: %s", ErrPositionExists, symbol)
	}
	if qty <= 0 || price <= 0 {
		return Fill{}, fmt.Errorf("invalid order qty=%v price=%v", qty, price)
	}

	notional := qty * price
	commission := notional * l.commission
	fill := Fill{Time: at, Symbol: symbol, Price: price, Quantity: qty, Commission: commission, Reason: "entry"}

	if side == risk.Short {
		l.cash += notional - commission
		fill.Side = "sell"
	} else {
		if notional+commission > l.cash {
			return Fill{}, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, notional+commission, l.cash)
		}
		l.cash -= notional + commission
		fill.Side = "buy"
	}

	l.positions[symbol] = &Position{
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		EntryPrice:      price,
		EntryTime:       at,
		EntryCommission: commission,
	}
	return fill, nil
}

// Close exits the whole position at price and returns the fill and the round trip.
func (l *Ledger) Close(symbol string, price float64, at time.Time, reason risk.ExitReason) (Fill, Trade, error) {
	p, ok := l.positions[symbol]
	if !ok {
		return Fill{}, Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	delete(l.positions, symbol)

	notional := p.Quantity * price
	commission := notional * l.commission
	fill := Fill{Time: at, Symbol: symbol, Price: price, Quantity: p.Quantity, Commission: commission, Reason: string(reason)}

	var gross float64
	if p.Side == risk.Short {
		l.cash -= notional + commission
		gross = (p.EntryPrice - price) * p.Quantity
		fill.Side = "buy"
	} else {
		l.cash += notional - commission
		gross = (price - p.EntryPrice) * p.Quantity
		fill.Side = "sell"
	}

	totalCommission := p.EntryCommission + commission
	pnl := gross - totalCommission
	trade := Trade{
		Symbol:     symbol,
		Side:       p.Side.String(),
		EntryTime:  p.EntryTime,
		ExitTime:   at,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		Quantity:   p.Quantity,
		PnL:        pnl,
		ReturnPct:  pnl / (p.EntryPrice * p.Quantity),
		Commission: totalCommission,
		Reason:     string(reason),
		MAE:        p.MAE,
		MFE:        p.MFE,
	}
	return fill, trade, nil
}
