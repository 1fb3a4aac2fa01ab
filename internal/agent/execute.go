package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"estrader/internal/gateway/broker"
	"estrader/internal/gateway/notifier"
	"estrader/internal/logger"
	"estrader/internal/pkg/circuit"
	"estrader/internal/session"
	"estrader/internal/trace"
	"estrader/internal/trader"

	"go.opentelemetry.io/otel/attribute"
)

// execute 调用券商执行命令。失败时回滚挂起状态；成交回报直接确认，
// 否则保持挂起，由对账看到远端持仓后确认。
func (o *Orchestrator) execute(ctx context.Context, cmd trader.Command) (err error) {
	ctx, span := trace.StartSpan(ctx, "broker."+string(cmd.Kind),
		attribute.String("symbol", cmd.Symbol),
		attribute.Int("size", cmd.Size))
	defer func() { trace.End(span, err) }()

	var ack broker.OrderAck
	switch cmd.Kind {
	case trader.CommandPlaceEntry:
		order := broker.EntryOrder{
			Symbol:     cmd.Symbol,
			Side:       cmd.Side,
			Size:       cmd.Size,
			StopLoss:   cmd.StopLoss,
			TakeProfit: cmd.TakeProfit,
		}
		if cmd.EntryPrice != nil {
			order.ReferencePrice = *cmd.EntryPrice
		}
		ack, err = o.broker.PlaceEntry(ctx, order)
	case trader.CommandModifyBrackets:
		err = o.broker.ModifyBrackets(ctx, broker.BracketUpdate{
			Symbol:     cmd.Symbol,
			Side:       cmd.Side,
			Size:       cmd.Size,
			StopLoss:   cmd.StopLoss,
			TakeProfit: cmd.TakeProfit,
		})
		ack.Filled = err == nil
	case trader.CommandClosePartial:
		ack, err = o.broker.ClosePosition(ctx, cmd.Symbol, cmd.Size)
	case trader.CommandCloseAll:
		ack, err = o.broker.ClosePosition(ctx, cmd.Symbol, 0)
	default:
		return fmt.Errorf("unknown command %q", cmd.Kind)
	}

	if err != nil {
		if ferr := o.store.FailPending(err.Error()); ferr != nil {
			logger.Warnf("[agent] 回滚挂起命令失败: %v", ferr)
		}
		if broker.IsAuthError(err) {
			o.alert(ctx, "券商认证失败", fmt.Sprintf("命令 %s 未执行", cmd.Kind), err.Error())
			return err
		}
		if errors.Is(err, broker.ErrRejected) {
			logger.Warnf("[agent] 券商拒绝 %s: %v", cmd.Kind, err)
			return err
		}
		return session.Transient("broker "+string(cmd.Kind), err)
	}

	logger.Infof("[agent] 已提交 %s side=%s size=%d order=%s", cmd.Kind, cmd.Side, cmd.Size, ack.OrderID)
	if !ack.Filled {
		return nil
	}
	fill := trader.Fill{Size: ack.FilledSize, Price: ack.FillPrice, TradeID: ack.OrderID, At: o.now()}
	if cerr := o.store.Confirm(cmd.Kind, fill); cerr != nil {
		// 对账可能已经抢先确认或修正，这里只记录。
		logger.Warnf("[agent] 确认 %s 失败: %v", cmd.Kind, cerr)
	}
	return nil
}

// alert 发送致命告警，发送失败只记录日志。
func (o *Orchestrator) alert(ctx context.Context, title string, lines ...string) {
	logger.Errorf("[agent] %s: %v", title, lines)
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.notifier.SendText(sendCtx, notifier.Alert(title, lines...).RenderMarkdown()); err != nil {
		logger.Warnf("[agent] 告警发送失败: %v", err)
	}
}

func (o *Orchestrator) onBreakerChange(c circuit.StateChange) {
	switch c.To {
	case circuit.StateOpen:
		o.alert(context.Background(), "连续 IO 失败",
			fmt.Sprintf("%s 连续失败 %d 次", o.store.Symbol(), c.Failures),
			"最近错误: "+c.LastError)
	case circuit.StateClosed:
		logger.Infof("[agent] 连续失败已恢复 (%s -> %s)", c.From, c.To)
	}
}
