package engine

// Trade lifecycle state machine: one trade from setup to close, one bar at a time

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is the ledger shared by the trade machines of one run. Machines run
// one after another; the account is not safe for concurrent use.
type Account struct {
	cfg     BacktestConfig
	fills   FillEngine
	calc    FeeCalculator
	risk    RiskMonitor
	filters SymbolFilters

	runID  string
	ns     uuid.UUID
	trades int

	realized decimal.Decimal
	feesPaid decimal.Decimal
	slippage decimal.Decimal
}

func NewAccount(runID string, cfg BacktestConfig) *Account {
	return &Account{
		cfg:     cfg,
		fills:   NewFillEngine(cfg),
		calc:    NewFeeCalculator(cfg),
		risk:    NewRiskMonitor(cfg),
		filters: DefaultFilters,
		runID:   runID,
		ns:      runNamespace(runID),
	}
}

// Balance is the margin balance: initial capital plus realized PnL less every
// fee and slippage booked so far.
func (a *Account) Balance() decimal.Decimal {
	return a.risk.MarginBalance(a.realized, a.feesPaid.Add(a.slippage))
}

func (a *Account) Realized() decimal.Decimal { return a.realized }
func (a *Account) Fees() decimal.Decimal     { return a.feesPaid }
func (a *Account) Slippage() decimal.Decimal { return a.slippage }

func (a *Account) book(realized, fees, slippage decimal.Decimal) {
	a.realized = a.realized.Add(realized)
	a.feesPaid = a.feesPaid.Add(fees)
	a.slippage = a.slippage.Add(slippage)
}

func (a *Account) nextTradeID() string {
	a.trades++
	return uuid.NewSHA1(a.ns, []byte(fmt.Sprintf("trade-%d", a.trades))).String()
}

// NewMachine returns a machine in NO_POSITION bound to this account.
func (a *Account) NewMachine() *TradeMachine {
	return &TradeMachine{acct: a, state: StateNoPosition}
}

// Excursion is the unrealized PnL range seen during the last bar, relative to
// the ledger after that bar's events.
type Excursion struct {
	Worst decimal.Decimal
	Best  decimal.Decimal
	Close decimal.Decimal
}

type pendingOrder struct {
	order  Order
	intent Intent
	bars   int
}

// TradeMachine owns one trade. Intents are staged at the start of Advance and
// act on that bar; at most one order fill happens per bar, after which the
// attached stop-loss, take-profit, trailing stop and liquidation levels are
// still checked against the prices the bar visits after the fill.
type TradeMachine struct {
	acct  *Account
	id    string
	state TradeState
	side  PositionSide

	entry    *pendingOrder
	scale    *pendingOrder
	exitReq  *Intent
	exitBars int

	stopLoss    decimal.Decimal
	takeProfit  decimal.Decimal
	trailDist   decimal.Decimal
	trailAnchor decimal.Decimal

	pos          AccountPosition
	trade        *BacktestTrade
	marginCalled bool
	nextFunding  time.Time

	last time.Time
	out  []Event
	exc  Excursion
}

func (m *TradeMachine) State() TradeState    { return m.state }
func (m *TradeMachine) TradeID() string      { return m.id }
func (m *TradeMachine) Excursion() Excursion { return m.exc }

// Trade returns a copy of the trade record, or nil before the entry fills.
func (m *TradeMachine) Trade() *BacktestTrade {
	if m.trade == nil {
		return nil
	}
	t := *m.trade
	return &t
}

// View is the read-only position handed to the strategy, marked at mark.
func (m *TradeMachine) View(mark decimal.Decimal) PositionState {
	ps := PositionState{State: m.state, TradeID: m.id, Equity: m.acct.Balance()}
	if m.state.Holding() {
		ps.Side = m.pos.Side
		ps.Quantity = m.pos.Quantity
		ps.EntryPrice = m.pos.AvgPrice
		ps.StopLoss = m.stopLoss
		ps.TakeProfit = m.takeProfit
		ps.UnrealizedPnl = UnrealizedPnl(m.pos.Side, m.pos.AvgPrice, mark, m.pos.Quantity)
		ps.Equity = ps.Equity.Add(ps.UnrealizedPnl)
	}
	return ps
}

// Advance stages intent (produced at the previous bar close) and runs the
// trade through bar. It returns the bar's events in order.
func (m *TradeMachine) Advance(bar Bar, intent *Intent) ([]Event, error) {
	if m.state.Terminal() {
		return nil, newError(ErrInvalidTransition, "trade %s is %s", m.id, m.state)
	}
	m.out = nil
	m.exc = Excursion{}

	if m.state.Holding() {
		m.chargeFunding(bar.Timestamp, true)
	}
	if intent != nil && intent.Type != IntentHold {
		in := *intent
		if in.SignalTime.IsZero() {
			in.SignalTime = bar.Timestamp
		}
		m.stage(in)
	}

	var err error
	switch {
	case m.state == StatePendingSetup || m.state == StatePendingTrigger:
		err = m.tryEntry(bar)
	case m.state.Holding():
		err = m.hold(bar)
	}
	if err == nil && m.state.Holding() {
		// boundaries inside the bar; one falling on the close belongs to the next bar
		m.chargeFunding(bar.CloseTime(m.acct.fills.Interval), false)
	}
	return m.out, err
}

// Close force-closes at the close of bar: a held position exits at the close
// price, a pending entry is cancelled. Used for end of data and strategy failure.
func (m *TradeMachine) Close(bar Bar, reason ExitReason) ([]Event, error) {
	if m.state.Terminal() {
		return nil, newError(ErrInvalidTransition, "trade %s is %s", m.id, m.state)
	}
	m.out = nil
	m.exc = Excursion{}
	at := bar.CloseTime(m.acct.fills.Interval)
	switch {
	case m.state.Holding():
		m.sample(bar.Close, bar.Close, bar.Close)
		res := FillResult{
			Filled:     true,
			FillPrice:  bar.Close,
			FilledAt:   at,
			Conditions: fmt.Sprintf("%s at close %s", reason, bar.Close),
		}
		m.exitAll(res, "", reason, false)
	case m.state == StatePendingSetup || m.state == StatePendingTrigger:
		m.drop(at, EventSetupCancelled, string(reason))
	}
	return m.out, nil
}

func (m *TradeMachine) stage(in Intent) {
	switch {
	case m.state == StateNoPosition && in.isEntry():
		m.id = m.acct.nextTradeID()
		m.side = in.side()
		m.entry = &pendingOrder{
			order: Order{
				Type:        in.OrderType,
				Side:        m.side.EntrySide(),
				Price:       in.Price,
				Quantity:    in.Quantity,
				SubmittedAt: in.SignalTime,
			},
			intent: in,
		}
		m.stopLoss, m.takeProfit, m.trailDist = in.StopLoss, in.TakeProfit, in.TrailingDistance
		m.state = StatePendingSetup
		m.emit(EventSetupDetected, in.SignalTime, map[string]string{
			"side":         m.side.String(),
			"order_type":   in.OrderType.String(),
			DetailPrice:    in.Price.String(),
			"stop_loss":    in.StopLoss.String(),
			"take_profit":  in.TakeProfit.String(),
			DetailReason:   in.Reason,
			DetailQuantity: in.Quantity.String(),
		})

	case (m.state == StatePendingSetup || m.state == StatePendingTrigger) && in.Type == IntentExit:
		m.drop(in.SignalTime, EventSetupCancelled, in.Reason)

	case m.state != StateNoPosition && in.Type == IntentUpdateStop:
		m.updateStops(in)

	case m.state.Holding() && in.Type == IntentExit:
		m.exitReq = &in
		m.exitBars = 0
		m.scale = nil
		m.emit(EventExitSignal, in.SignalTime, map[string]string{
			DetailReason: in.Reason,
			"fraction":   in.Fraction.String(),
		})

	case m.state.Holding() && in.Type == IntentScaleIn && in.Quantity.IsPositive():
		m.scale = &pendingOrder{
			order: Order{
				Type:        in.OrderType,
				Side:        m.side.EntrySide(),
				Price:       in.Price,
				Quantity:    in.Quantity,
				SubmittedAt: in.SignalTime,
			},
			intent: in,
		}

	default:
		m.emit(EventIntentRejected, in.SignalTime, map[string]string{
			"intent":     string(in.Type),
			"state":      string(m.state),
			DetailReason: in.Reason,
		})
	}
}

func (m *TradeMachine) updateStops(in Intent) {
	if !in.StopLoss.IsZero() {
		m.stopLoss = in.StopLoss
	}
	if !in.TakeProfit.IsZero() {
		m.takeProfit = in.TakeProfit
	}
	if !in.TrailingDistance.IsZero() {
		m.trailDist = in.TrailingDistance
	}
	m.emit(EventStopUpdated, in.SignalTime, map[string]string{
		"stop_loss":         m.stopLoss.String(),
		"take_profit":       m.takeProfit.String(),
		"trailing_distance": m.trailDist.String(),
	})
}

func (m *TradeMachine) tryEntry(bar Bar) error {
	p := m.entry
	res, err := m.acct.fills.Resolve(p.order, bar)
	switch {
	case errors.Is(err, ErrNoLiquidity):
		m.emit(EventNoLiquidity, bar.Timestamp, map[string]string{"order_type": p.order.Type.String()})
		p.bars++
		m.expireEntry(bar)
		return nil
	case err != nil:
		return err
	case !res.Filled:
		p.bars++
		if m.state == StatePendingSetup {
			m.state = StatePendingTrigger
			m.emit(EventTriggerArmed, bar.Timestamp, map[string]string{
				"order_type": p.order.Type.String(),
				DetailPrice:  p.order.Price.String(),
			})
		}
		m.expireEntry(bar)
		return nil
	}

	qty := m.size(p.order.Quantity, res.FillPrice)
	if !qty.IsPositive() {
		m.drop(res.FilledAt, EventIntentRejected, "insufficient margin balance")
		return nil
	}
	m.open(res, qty)
	if res.Gap || p.order.Type == OrderMarket {
		return m.protect(bar, m.acct.fills)
	}
	rest, fills := m.acct.fills.after(bar, res)
	return m.protect(rest, fills)
}

func (m *TradeMachine) expireEntry(bar Bar) {
	limit := m.acct.cfg.MaxPendingBars
	if limit > 0 && m.entry.bars >= limit {
		m.drop(bar.CloseTime(m.acct.fills.Interval), EventTriggerExpired, fmt.Sprintf("unfilled after %d bars", m.entry.bars))
	}
}

// drop abandons a pending entry and returns the machine to NO_POSITION.
func (m *TradeMachine) drop(at time.Time, ev EventType, reason string) {
	m.emit(ev, at, map[string]string{DetailReason: reason})
	m.entry = nil
	m.id = ""
	m.side = SideFlat
	m.stopLoss, m.takeProfit, m.trailDist = decimal.Zero, decimal.Zero, decimal.Zero
	m.state = StateNoPosition
}

func (m *TradeMachine) size(requested, price decimal.Decimal) decimal.Decimal {
	qty := requested
	if qty.IsZero() {
		bal := m.acct.Balance()
		if !bal.IsPositive() || !price.IsPositive() {
			return decimal.Zero
		}
		qty = bal.Mul(m.acct.cfg.Leverage).Div(price)
	}
	return m.acct.filters.FloorQuantity(qty, price)
}

func (m *TradeMachine) open(res FillResult, qty decimal.Decimal) {
	p := m.entry
	side := m.side.EntrySide()
	costs := m.acct.calc.Costs(side, res.FillPrice, qty, res.Maker)
	at := m.emit(EventOrderFilled, res.FilledAt, fillDetail(side, res, qty, costs, decimal.Zero))

	m.pos = AccountPosition{}
	m.pos.Add(m.side, res.FillPrice, qty)
	m.trade = &BacktestTrade{
		ID:                    m.id,
		ResultID:              m.acct.runID,
		Symbol:                m.acct.cfg.Symbol,
		Side:                  m.side,
		SignalTime:            p.intent.SignalTime,
		EntryTime:             at,
		ExecutionDelaySeconds: res.ExecutionDelaySeconds,
		Quantity:              qty,
		EntryPrice:            res.FillPrice,
		FillPolicyUsed:        m.acct.cfg.FillPolicy,
		FillConditionsMet:     res.Conditions,
		EntryReason:           p.intent.Reason,
		State:                 StateOpen,
	}
	m.trade.addCosts(costs)
	m.acct.book(decimal.Zero, costs.Fees(), costs.Slippage)

	m.state = StateOpen
	m.emit(EventTradeOpened, at, map[string]string{
		"side":         m.side.String(),
		DetailPrice:    res.FillPrice.String(),
		DetailQuantity: qty.String(),
	})
	m.entry = nil
	m.nextFunding = time.Time{}
	if iv := m.acct.cfg.FundingInterval; iv > 0 {
		m.nextFunding = at.Truncate(iv).Add(iv)
	}
	m.trailAnchor = res.FillPrice
	m.marginCalled = false
}

func (m *TradeMachine) hold(bar Bar) error {
	switch {
	case m.exitReq != nil:
		done, err := m.signalExit(bar)
		if err != nil || done {
			return err
		}
	case m.scale != nil:
		if err := m.tryScale(bar); err != nil {
			return err
		}
	}
	return m.protect(bar, m.acct.fills)
}

func (m *TradeMachine) signalExit(bar Bar) (bool, error) {
	in := m.exitReq
	order := Order{Type: OrderMarket, Side: m.side.ExitSide(), Price: bar.Open, SubmittedAt: in.SignalTime}
	res, err := m.acct.fills.Resolve(order, bar)
	if errors.Is(err, ErrNoLiquidity) {
		m.emit(EventNoLiquidity, bar.Timestamp, map[string]string{"order_type": order.Type.String()})
		m.exitBars++
		if limit := m.acct.cfg.MaxPendingBars; limit > 0 && m.exitBars >= limit {
			m.emit(EventTriggerExpired, bar.CloseTime(m.acct.fills.Interval), map[string]string{
				DetailReason: fmt.Sprintf("exit unfilled after %d bars", m.exitBars),
			})
			m.exitReq = nil
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.exitReq = nil

	qty := m.pos.Quantity
	if in.Fraction.IsPositive() && in.Fraction.LessThan(decimal.NewFromInt(1)) {
		qty = m.acct.filters.FloorQuantity(m.pos.Quantity.Mul(in.Fraction), res.FillPrice)
	}
	if !qty.IsPositive() || qty.GreaterThanOrEqual(m.pos.Quantity) {
		m.sample(res.FillPrice, res.FillPrice, res.FillPrice)
		m.exitAll(res, "", ExitSignal, false)
		return true, nil
	}

	at := m.exitFill(res, qty, false)
	m.state = StatePartiallyClosed
	m.trade.State = m.state
	m.emit(EventTradePartiallyClosed, at, map[string]string{
		DetailQuantity: qty.String(),
		"remaining":    m.pos.Quantity.String(),
		DetailReason:   in.Reason,
	})
	return false, nil
}

func (m *TradeMachine) tryScale(bar Bar) error {
	p := m.scale
	res, err := m.acct.fills.Resolve(p.order, bar)
	switch {
	case errors.Is(err, ErrNoLiquidity):
		m.emit(EventNoLiquidity, bar.Timestamp, map[string]string{"order_type": p.order.Type.String()})
	case err != nil:
		return err
	case res.Filled:
		qty := m.acct.filters.FloorQuantity(p.order.Quantity, res.FillPrice)
		if !qty.IsPositive() {
			m.scale = nil
			return nil
		}
		side := m.side.EntrySide()
		costs := m.acct.calc.Costs(side, res.FillPrice, qty, res.Maker)
		at := m.emit(EventOrderFilled, res.FilledAt, fillDetail(side, res, qty, costs, decimal.Zero))
		m.pos.Add(m.side, res.FillPrice, qty)
		m.trade.Quantity = m.trade.Quantity.Add(qty)
		m.trade.EntryPrice = m.pos.AvgPrice
		m.trade.addCosts(costs)
		m.acct.book(decimal.Zero, costs.Fees(), costs.Slippage)
		m.state = StateScaled
		m.trade.State = m.state
		m.emit(EventTradeScaled, at, map[string]string{
			DetailPrice:    res.FillPrice.String(),
			DetailQuantity: qty.String(),
			"avg_price":    m.pos.AvgPrice.String(),
		})
		m.scale = nil
		return nil
	}
	p.bars++
	if limit := m.acct.cfg.MaxPendingBars; limit > 0 && p.bars >= limit {
		m.emit(EventTriggerExpired, bar.CloseTime(m.acct.fills.Interval), map[string]string{DetailReason: "scale-in unfilled"})
		m.scale = nil
	}
	return nil
}

// protect applies the risk checks of a held position to bar: liquidation
// first, then the stop-loss / take-profit race, then the margin call. fills
// stamps the exits; after an entry inside the bar, bar and fills cover only
// what is left of it.
func (m *TradeMachine) protect(bar Bar, fills FillEngine) error {
	fp := FuturesPosition{Side: m.pos.Side, Quantity: m.pos.Quantity, EntryPrice: m.pos.AvgPrice}
	m.acct.risk.UpdateMarkPrice(&fp, bar.Close, m.acct.Balance())
	chk := m.acct.risk.Evaluate(fp, bar)

	if chk.Liquidated {
		m.liquidate(bar, chk.LiquidationPrice, fills)
		return nil
	}
	closed, err := m.checkStops(bar, fills)
	if err != nil || closed {
		return err
	}

	if chk.MarginCall && !m.marginCalled {
		m.emit(EventMarginCall, bar.Timestamp, map[string]string{
			"margin_call_price": chk.MarginCallPrice.String(),
			"liquidation_price": chk.LiquidationPrice.String(),
			"margin_balance":    m.acct.Balance().String(),
		})
	}
	m.marginCalled = chk.MarginCall

	worst, best := m.extremes(bar)
	m.sample(worst, best, bar.Close)
	m.advanceTrail(best)
	return nil
}

// extremes returns the worst and best prices of bar for the held side.
func (m *TradeMachine) extremes(bar Bar) (worst, best decimal.Decimal) {
	if m.side == SideShort {
		return bar.High, bar.Low
	}
	return bar.Low, bar.High
}

func (m *TradeMachine) advanceTrail(best decimal.Decimal) {
	if m.side == SideLong && best.GreaterThan(m.trailAnchor) ||
		m.side == SideShort && best.LessThan(m.trailAnchor) {
		m.trailAnchor = best
	}
}

// effectiveStop is the tighter of the stop-loss and the trailing stop.
func (m *TradeMachine) effectiveStop() (level decimal.Decimal, trailing bool) {
	level = m.stopLoss
	if !m.trailDist.IsPositive() {
		return level, false
	}
	var trail decimal.Decimal
	if m.side == SideLong {
		trail = m.trailAnchor.Sub(m.trailDist)
		if trail.IsPositive() && (level.IsZero() || trail.GreaterThan(level)) {
			return trail, true
		}
	} else {
		trail = m.trailAnchor.Add(m.trailDist)
		if level.IsZero() || trail.LessThan(level) {
			return trail, true
		}
	}
	return level, false
}

// profitable reports whether an exit at price books a gain on the average entry.
func (m *TradeMachine) profitable(price decimal.Decimal) bool {
	if m.side == SideShort {
		return price.IsPositive() && price.LessThan(m.pos.AvgPrice)
	}
	return price.GreaterThan(m.pos.AvgPrice)
}

func (m *TradeMachine) checkStops(bar Bar, fills FillEngine) (bool, error) {
	stop, trailing := m.effectiveStop()
	path := m.acct.cfg.PricePathAssumption
	exitSide := m.side.ExitSide()

	tp := m.takeProfit
	if !m.profitable(tp) {
		tp = decimal.Zero
	}
	touch := ResolveFirstTouch(m.side, bar, tp, stop, path)
	if touch == TouchTP {
		res, err := fills.Resolve(Order{Type: OrderLimit, Side: exitSide, Price: tp}, bar)
		if err != nil {
			return false, m.noLiquidity(bar, err)
		}
		if res.Filled {
			worst, _ := m.extremes(bar)
			m.sample(worst, res.FillPrice, res.FillPrice)
			m.exitAll(res, EventTakeProfitHit, ExitTakeProfit, false)
			return true, nil
		}
		// touched without trading through: the stop alone may still fire
		touch = ResolveFirstTouch(m.side, bar, decimal.Zero, stop, path)
	}
	if touch != TouchSL {
		return false, nil
	}

	res, err := fills.Resolve(Order{Type: OrderStop, Side: exitSide, Price: stop}, bar)
	if err != nil {
		return false, m.noLiquidity(bar, err)
	}
	if !res.Filled {
		return false, nil
	}
	ev, reason := EventStopLossHit, ExitStopLoss
	if trailing {
		ev, reason = EventTrailingStopHit, ExitTrailingStop
	}
	_, best := m.extremes(bar)
	m.sample(res.FillPrice, best, res.FillPrice)
	m.exitAll(res, ev, reason, false)
	return true, nil
}

func (m *TradeMachine) noLiquidity(bar Bar, err error) error {
	if !errors.Is(err, ErrNoLiquidity) {
		return err
	}
	m.emit(EventNoLiquidity, bar.Timestamp, map[string]string{"order_type": "EXIT"})
	return nil
}

func (m *TradeMachine) liquidate(bar Bar, price decimal.Decimal, fills FillEngine) {
	res := FillResult{
		Filled:     true,
		FillPrice:  price,
		FilledAt:   fills.stamp(Order{}, bar, FillResult{FillPrice: price}, false).FilledAt,
		Conditions: fmt.Sprintf("liquidation at %s", price),
	}
	_, best := m.extremes(bar)
	m.sample(price, best, price)
	m.exitAll(res, "", ExitLiquidation, true)
}

// exitAll closes the remaining quantity and finishes the trade.
func (m *TradeMachine) exitAll(res FillResult, hit EventType, reason ExitReason, liquidation bool) {
	m.chargeFunding(res.FilledAt, false)
	if hit != "" {
		m.emit(hit, res.FilledAt, map[string]string{DetailPrice: res.FillPrice.String()})
	}
	realizedBefore := m.trade.RealizedPnl
	at := m.exitFill(res, m.pos.Quantity, liquidation)
	m.rebase(m.trade.RealizedPnl.Sub(realizedBefore))

	terminal, state := EventTradeClosed, StateClosed
	if liquidation {
		terminal, state = EventLiquidation, StateLiquidated
	}
	m.state = state
	m.trade.State = state
	m.trade.ExitReason = reason
	m.emit(terminal, at, map[string]string{
		DetailReason:           string(reason),
		DetailPrice:            res.FillPrice.String(),
		DetailTradeRealizedPnl: m.trade.RealizedPnl.String(),
		"net_pnl":              m.trade.NetPnl().String(),
	})
	m.exitReq, m.scale = nil, nil
}

// exitFill books one reducing fill. Liquidations are not slipped.
func (m *TradeMachine) exitFill(res FillResult, qty decimal.Decimal, liquidation bool) time.Time {
	side := m.side.ExitSide()
	costs := m.acct.calc.Costs(side, res.FillPrice, qty, res.Maker)
	if liquidation {
		costs.ExecutedPrice = res.FillPrice
		costs.Slippage = decimal.Zero
	}
	realized := m.pos.Reduce(res.FillPrice, qty)
	at := m.emit(EventOrderFilled, res.FilledAt, fillDetail(side, res, qty, costs, realized))

	m.trade.RealizedPnl = m.trade.RealizedPnl.Add(realized)
	m.trade.addCosts(costs)
	m.trade.recordExit(res.FillPrice, qty, at)
	m.acct.book(realized, costs.Fees(), costs.Slippage)
	return at
}

// sample records the unrealized PnL of the held quantity at the bar's worst,
// best and last prices. Exits sample before booking and rebase afterwards.
func (m *TradeMachine) sample(worst, best, last decimal.Decimal) {
	uw := UnrealizedPnl(m.pos.Side, m.pos.AvgPrice, worst, m.pos.Quantity)
	ub := UnrealizedPnl(m.pos.Side, m.pos.AvgPrice, best, m.pos.Quantity)
	uc := UnrealizedPnl(m.pos.Side, m.pos.AvgPrice, last, m.pos.Quantity)
	m.trade.trackExcursion(uw)
	m.trade.trackExcursion(ub)
	m.exc = Excursion{Worst: uw, Best: ub, Close: uc}
}

// rebase moves the bar excursion onto the ledger once realized has been booked.
func (m *TradeMachine) rebase(realized decimal.Decimal) {
	m.exc = Excursion{
		Worst: decimal.Min(decimal.Zero, m.exc.Worst.Sub(realized)),
		Best:  decimal.Max(decimal.Zero, m.exc.Best.Sub(realized)),
	}
}

// chargeFunding books one funding payment per FundingInterval boundary up to
// upTo that has not been charged yet. Boundaries are aligned to the Unix epoch
// and stamped at the boundary itself.
func (m *TradeMachine) chargeFunding(upTo time.Time, inclusive bool) {
	iv := m.acct.cfg.FundingInterval
	if iv <= 0 || m.nextFunding.IsZero() || !m.pos.Quantity.IsPositive() {
		return
	}
	for m.nextFunding.Before(upTo) || inclusive && m.nextFunding.Equal(upTo) {
		at := m.nextFunding
		m.nextFunding = at.Add(iv)
		if m.acct.calc.FundingRate.IsZero() {
			continue
		}
		margin := RoundMoney(m.pos.AvgPrice.Mul(m.pos.Quantity).Div(m.acct.cfg.Leverage))
		fee := m.acct.calc.Funding(m.pos.Side, margin)
		m.trade.FundingFee = m.trade.FundingFee.Add(fee)
		m.acct.book(decimal.Zero, fee, decimal.Zero)
		m.emit(EventFundingApplied, at, map[string]string{
			DetailFees:     fee.String(),
			"funding_rate": m.acct.calc.FundingRate.String(),
			"margin":       margin.String(),
		})
	}
}

// emit appends an event, clamping its timestamp so the machine never goes
// backwards in time, and returns the timestamp used.
func (m *TradeMachine) emit(typ EventType, at time.Time, detail map[string]string) time.Time {
	if at.Before(m.last) {
		at = m.last
	}
	m.last = at
	m.out = append(m.out, Event{TradeID: m.id, Type: typ, Timestamp: at, Detail: detail})
	return at
}

func fillDetail(side TradeSide, res FillResult, qty decimal.Decimal, c FillCosts, realized decimal.Decimal) map[string]string {
	return map[string]string{
		"side":            string(side),
		DetailPrice:       res.FillPrice.String(),
		"executed_price":  c.ExecutedPrice.String(),
		DetailQuantity:    qty.String(),
		DetailRealizedPnl: realized.String(),
		DetailFees:        c.Fees().String(),
		DetailSlippage:    c.Slippage.String(),
		"maker":           strconv.FormatBool(res.Maker),
		"gap":             strconv.FormatBool(res.Gap),
		"fill_conditions": res.Conditions,
	}
}
