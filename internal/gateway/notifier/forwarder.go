package notifier

import (
	"context"
	"fmt"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/logger"
)

// Forwarder renders selected engine events and pushes them to a
// TextNotifier. Cycle bookkeeping events are never forwarded.
type Forwarder struct {
	sink    TextNotifier
	types   map[events.Type]bool
	timeout time.Duration
	log     logger.Component
}

var DefaultForwardTypes = []events.Type{
	events.TradeExecuted,
	events.PositionManaged,
	events.EmergencyClose,
	events.EngineHalted,
	events.SnapshotWriteFailed,
}

func NewForwarder(sink TextNotifier, kinds []events.Type) *Forwarder {
	if len(kinds) == 0 {
		kinds = DefaultForwardTypes
	}
	set := make(map[events.Type]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &Forwarder{sink: sink, types: set, timeout: 20 * time.Second, log: logger.With("notifier")}
}

// Run drains ch until it closes or ctx ends.
func (f *Forwarder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			f.Handle(ctx, evt)
		}
	}
}

// Handle forwards one event; delivery errors are logged, never returned.
func (f *Forwarder) Handle(ctx context.Context, evt events.Event) {
	if f.sink == nil || !f.types[evt.Type] {
		return
	}
	msg, ok := Render(evt)
	if !ok {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.sink.SendText(sendCtx, msg.RenderMarkdown()); err != nil {
		f.log.Warnf("推送 %s 失败: %v", evt.Type, err)
	}
}

// Render maps an event to a StructuredMessage.
func Render(evt events.Event) (StructuredMessage, bool) {
	msg := StructuredMessage{Timestamp: evt.At, Footer: fmt.Sprintf("cycle #%d %s", evt.Cycle, evt.TraceID)}
	switch p := evt.Payload.(type) {
	case events.TradePayload:
		msg.Icon, msg.Title = "🟢", "开仓 "+p.Order.Symbol+" "+string(p.Order.Side)
		msg.Sections = []MessageSection{
			{Title: "订单", Lines: []string{
				fmt.Sprintf("数量 %.6f @ %.6f", p.Result.FilledQty, p.Result.AvgPrice),
				fmt.Sprintf("止盈 %.6f / 止损 %.6f", p.Order.TakeProfit, p.Order.StopLoss),
				"来源 " + p.Order.Source,
			}},
			{Title: "理由", Lines: []string{p.Order.Reason}},
		}
	case events.ManagePayload:
		msg.Icon, msg.Title = "🛠", "持仓管理 "+p.Symbol+" "+p.Side
		msg.Sections = []MessageSection{{Title: p.ManageType, Lines: []string{p.Reason}}}
	case events.EmergencyPayload:
		msg.Icon, msg.Title = "🚨", "紧急平仓 "+p.Position.Symbol+" "+string(p.Position.Side)
		lines := []string{p.Reason, fmt.Sprintf("浮动盈亏 %.2f%%", p.Position.UnrealizedPnLPct)}
		if p.Err != "" {
			lines = append(lines, "失败: "+p.Err)
		}
		msg.Sections = []MessageSection{{Lines: lines}}
	case events.HaltPayload:
		msg.Icon, msg.Title = "⛔", "引擎已熔断"
		msg.Sections = []MessageSection{{Lines: []string{
			fmt.Sprintf("连续失败 %d 次", p.Failures), p.Reason, "需要人工重启",
		}}}
	case events.SnapshotFailurePayload:
		msg.Icon, msg.Title = "⚠️", "快照写入失败"
		msg.Sections = []MessageSection{{Lines: []string{p.Minute.UTC().Format(time.RFC3339), p.Err}}}
	case events.SafetyPayload:
		msg.Icon, msg.Title = "🛡", "风控拦截 "+p.Symbol
		msg.Sections = []MessageSection{{Title: p.Stage + "/" + p.Rule, Lines: []string{p.Reason}}}
	default:
		return StructuredMessage{}, false
	}
	return msg, true
}
