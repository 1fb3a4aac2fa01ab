package broker

import (
	"context"
	"errors"
	"time"

	"estrader/internal/trader"
)

// 中文说明：
// 券商网关抽象：查询持仓、下单（带止损/止盈括号单）、修改括号单、平仓、查询近期成交。
// 实盘走 ProjectX 风格 REST 网关，纸面模式使用内存撮合。

var (
	// ErrAuth 鉴权失败，属于致命错误，需要告警。
	ErrAuth = errors.New("broker authentication failed")
	// ErrRejected 券商拒绝了请求（业务错误，不是网络错误）。
	ErrRejected = errors.New("broker rejected request")
)

// RemotePosition 是券商视角的权威持仓。
type RemotePosition struct {
	Side       trader.Side
	Size       int
	AvgPrice   float64
	ContractID string
	OpenedAt   time.Time
}

func (p RemotePosition) IsFlat() bool { return p.Side == trader.SideNone || p.Size <= 0 }

type EntryOrder struct {
	Symbol     string
	Side       trader.Side
	Size       int
	LimitPrice *float64
	StopLoss   *float64
	TakeProfit *float64
	// ReferencePrice 用于把括号价格换算成 tick 距离（通常是预言机给出的入场价）。
	ReferencePrice float64
}

type BracketUpdate struct {
	Symbol     string
	Side       trader.Side
	Size       int
	StopLoss   *float64
	TakeProfit *float64
}

type OrderAck struct {
	OrderID    string
	Filled     bool
	FillPrice  float64
	FilledSize int
}

// Fill 是一笔成交。PnL 只在平仓方向的成交上有值。
type Fill struct {
	ID         string
	OrderID    string
	ContractID string
	Side       trader.Side
	Size       int
	Price      float64
	PnL        *float64
	Fees       float64
	Voided     bool
	At         time.Time
}

type Broker interface {
	GetPosition(ctx context.Context, symbol string) (RemotePosition, error)
	PlaceEntry(ctx context.Context, order EntryOrder) (OrderAck, error)
	ModifyBrackets(ctx context.Context, update BracketUpdate) error
	// ClosePosition 平掉 size 手；size<=0 表示全部平仓。
	ClosePosition(ctx context.Context, symbol string, size int) (OrderAck, error)
	GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
}

// Marker 由能够接收最新参考价的券商实现（纸面模式用它撮合平仓）。
type Marker interface {
	Mark(symbol string, price float64)
}
