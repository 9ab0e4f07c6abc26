package events

import (
	"context"

	"github.com/atmx/paper-engine/internal/model"
)

// TradeWriter persists realized trades.
type TradeWriter interface {
	InsertTrade(ctx context.Context, t *model.Trade) error
}

// JournalSink copies every realized trade into a durable journal.
type JournalSink struct {
	journal TradeWriter
}

// NewJournalSink creates a sink over journal.
func NewJournalSink(journal TradeWriter) *JournalSink {
	return &JournalSink{journal: journal}
}

// Name identifies the sink.
func (s *JournalSink) Name() string { return "journal" }

// Deliver records the trade carried by a trade.executed event. Buys carry no
// trade and are ignored.
func (s *JournalSink) Deliver(ctx context.Context, ev model.Event) error {
	if ev.Type != model.EventTradeExecuted || ev.Fill == nil || ev.Fill.Trade == nil {
		return nil
	}
	return s.journal.InsertTrade(ctx, ev.Fill.Trade)
}
