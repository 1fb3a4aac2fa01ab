package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"estrader/internal/logger"
	"estrader/internal/trader"

	"github.com/shopspring/decimal"
)

// 中文说明：
// PaperBroker：内存撮合的纸面券商。市价单按参考价（或最近标记价）立即成交，
// 平仓成交按 decimal 计算已实现盈亏，供演练与测试使用。

type paperPosition struct {
	side       trader.Side
	size       int
	avg        decimal.Decimal
	stopLoss   *float64
	takeProfit *float64
	openedAt   time.Time
}

type PaperBroker struct {
	mu         sync.Mutex
	pointValue decimal.Decimal
	feePerSide decimal.Decimal
	positions  map[string]*paperPosition
	marks      map[string]float64
	fills      []Fill
	seq        int64
	nowFn      func() time.Time
}

// NewPaperBroker pointValue 为每点价值（ES=50, MES=5）；feePerContract 为单边每手手续费。
func NewPaperBroker(pointValue, feePerContract float64) *PaperBroker {
	if pointValue <= 0 {
		pointValue = 1
	}
	return &PaperBroker{
		pointValue: decimal.NewFromFloat(pointValue),
		feePerSide: decimal.NewFromFloat(feePerContract),
		positions:  make(map[string]*paperPosition),
		marks:      make(map[string]float64),
		nowFn:      time.Now,
	}
}

// SetClock 替换时间源（测试用）。
func (p *PaperBroker) SetClock(fn func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn != nil {
		p.nowFn = fn
	}
}

func (p *PaperBroker) Mark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.marks[symbol] = price
	p.mu.Unlock()
}

func (p *PaperBroker) GetPosition(_ context.Context, symbol string) (RemotePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok || pos.size <= 0 {
		return RemotePosition{Side: trader.SideNone, ContractID: symbol}, nil
	}
	avg, _ := pos.avg.Float64()
	return RemotePosition{Side: pos.side, Size: pos.size, AvgPrice: avg, ContractID: symbol, OpenedAt: pos.openedAt}, nil
}

func (p *PaperBroker) PlaceEntry(_ context.Context, order EntryOrder) (OrderAck, error) {
	if order.Size <= 0 {
		return OrderAck{}, fmt.Errorf("%w: entry size must be positive", ErrRejected)
	}
	if order.Side != trader.SideLong && order.Side != trader.SideShort {
		return OrderAck{}, fmt.Errorf("%w: side %q", ErrRejected, order.Side)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price := order.ReferencePrice
	if order.LimitPrice != nil {
		price = *order.LimitPrice
	}
	if price <= 0 {
		price = p.marks[order.Symbol]
	}
	if price <= 0 {
		return OrderAck{}, fmt.Errorf("%w: no price to fill %s", ErrRejected, order.Symbol)
	}
	if pos, ok := p.positions[order.Symbol]; ok && pos.size > 0 {
		return OrderAck{}, fmt.Errorf("%w: %s already has a %s position", ErrRejected, order.Symbol, pos.side)
	}
	now := p.nowFn()
	p.positions[order.Symbol] = &paperPosition{
		side:       order.Side,
		size:       order.Size,
		avg:        decimal.NewFromFloat(price),
		stopLoss:   order.StopLoss,
		takeProfit: order.TakeProfit,
		openedAt:   now,
	}
	p.marks[order.Symbol] = price
	orderID := p.nextID()
	p.fills = append(p.fills, Fill{
		ID:         p.nextID(),
		OrderID:    orderID,
		ContractID: order.Symbol,
		Side:       order.Side,
		Size:       order.Size,
		Price:      price,
		Fees:       p.fee(order.Size),
		At:         now,
	})
	logger.Infof("[paper] 开仓 %s %s x%d @ %.2f", order.Symbol, order.Side, order.Size, price)
	return OrderAck{OrderID: orderID, Filled: true, FillPrice: price, FilledSize: order.Size}, nil
}

func (p *PaperBroker) ModifyBrackets(_ context.Context, update BracketUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[update.Symbol]
	if !ok || pos.size <= 0 {
		return fmt.Errorf("%w: no open position on %s", ErrRejected, update.Symbol)
	}
	if update.StopLoss != nil {
		v := *update.StopLoss
		pos.stopLoss = &v
	}
	if update.TakeProfit != nil {
		v := *update.TakeProfit
		pos.takeProfit = &v
	}
	return nil
}

func (p *PaperBroker) ClosePosition(_ context.Context, symbol string, size int) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok || pos.size <= 0 {
		return OrderAck{}, fmt.Errorf("%w: no open position on %s", ErrRejected, symbol)
	}
	price := p.marks[symbol]
	if price <= 0 {
		price, _ = pos.avg.Float64()
	}
	if size <= 0 || size > pos.size {
		size = pos.size
	}
	orderID := p.nextID()
	p.closeLocked(symbol, pos, size, price, orderID)
	return OrderAck{OrderID: orderID, Filled: true, FillPrice: price, FilledSize: size}, nil
}

// Trigger 模拟服务端止损/止盈触发：仓位在本地不知情的情况下被平掉。
func (p *PaperBroker) Trigger(symbol string, price float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok || pos.size <= 0 {
		return false
	}
	p.marks[symbol] = price
	p.closeLocked(symbol, pos, pos.size, price, p.nextID())
	return true
}

func (p *PaperBroker) closeLocked(symbol string, pos *paperPosition, size int, price float64, orderID string) {
	exit := decimal.NewFromFloat(price)
	diff := exit.Sub(pos.avg)
	if pos.side == trader.SideShort {
		diff = diff.Neg()
	}
	pnl, _ := diff.Mul(p.pointValue).Mul(decimal.NewFromInt(int64(size))).Round(2).Float64()
	exitSide := trader.SideShort
	if pos.side == trader.SideShort {
		exitSide = trader.SideLong
	}
	p.fills = append(p.fills, Fill{
		ID:         p.nextID(),
		OrderID:    orderID,
		ContractID: symbol,
		Side:       exitSide,
		Size:       size,
		Price:      price,
		PnL:        &pnl,
		Fees:       p.fee(size),
		At:         p.nowFn(),
	})
	pos.size -= size
	logger.Infof("[paper] 平仓 %s x%d @ %.2f pnl=%.2f 剩余=%d", symbol, size, price, pnl, pos.size)
	if pos.size <= 0 {
		delete(p.positions, symbol)
	}
}

func (p *PaperBroker) GetRecentFills(_ context.Context, symbol string, since time.Time) ([]Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, 0)
	for _, f := range p.fills {
		if f.ContractID != symbol || f.At.Before(since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (p *PaperBroker) fee(size int) float64 {
	v, _ := p.feePerSide.Mul(decimal.NewFromInt(int64(size))).Round(2).Float64()
	return v
}

func (p *PaperBroker) nextID() string {
	p.seq++
	return "paper-" + strconv.FormatInt(p.seq, 10)
}
