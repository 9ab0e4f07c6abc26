package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/model"
)

type memorySink struct {
	mu     sync.Mutex
	name   string
	events []model.Event
	err    error
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Deliver(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *memorySink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.ID
	}
	return out
}

func event(id string) model.Event {
	return model.Event{ID: id, Type: model.EventTradeExecuted, PortfolioID: "p1", Timestamp: time.Now()}
}

func TestDispatcher_DeliversInOrderToEverySink(t *testing.T) {
	failing := &memorySink{name: "failing", err: errors.New("down")}
	ok := &memorySink{name: "ok"}
	d := NewDispatcher(16, nil, failing, ok)
	go d.Run(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		d.Publish(event(id))
	}
	d.Close()

	assert.Equal(t, []string{"a", "b", "c"}, ok.ids())
	assert.Equal(t, []string{"a", "b", "c"}, failing.ids(), "a failing sink still sees every event")
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &memorySink{name: "sink"}
	d := NewDispatcher(1, nil, sink)

	d.Publish(event("kept"))
	d.Publish(event("dropped"))

	go d.Run(context.Background())
	d.Close()
	assert.Equal(t, []string{"kept"}, sink.ids())
}

func TestDispatcher_PublishAfterCloseIsNoop(t *testing.T) {
	sink := &memorySink{name: "sink"}
	d := NewDispatcher(4, nil, sink)
	go d.Run(context.Background())
	d.Close()

	assert.NotPanics(t, func() { d.Publish(event("late")) })
	assert.NotPanics(t, d.Close)
	assert.Empty(t, sink.ids())
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_Deliver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "paper.events"}

	ev := event("e1")
	ev.Fill = &model.Fill{Symbol: "AAPL", Side: model.SideBuy, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)}
	require.NoError(t, p.Deliver(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "p1", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, string(model.EventTradeExecuted), string(msg.Headers[0].Value))

	var decoded model.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "e1", decoded.ID)
	assert.Equal(t, "AAPL", decoded.Fill.Symbol)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker unavailable")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}, topic: "paper.events"}

	err := p.Deliver(context.Background(), event("e1"))
	assert.ErrorIs(t, err, boom)
}

type fakeJournal struct {
	trades []model.Trade
}

func (j *fakeJournal) InsertTrade(_ context.Context, t *model.Trade) error {
	j.trades = append(j.trades, *t)
	return nil
}

func TestJournalSink_RecordsOnlyRealizedTrades(t *testing.T) {
	j := &fakeJournal{}
	s := NewJournalSink(j)
	ctx := context.Background()

	buy := event("buy")
	buy.Fill = &model.Fill{Side: model.SideBuy}
	require.NoError(t, s.Deliver(ctx, buy))

	sell := event("sell")
	sell.Fill = &model.Fill{Side: model.SideSell, Trade: &model.Trade{ID: "t1", Symbol: "AAPL"}}
	require.NoError(t, s.Deliver(ctx, sell))

	stop := model.Event{ID: "s", Type: model.EventStopLossTriggered, StopLoss: &model.StopLossTrigger{Symbol: "AAPL"}}
	require.NoError(t, s.Deliver(ctx, stop))

	require.Len(t, j.trades, 1)
	assert.Equal(t, "t1", j.trades[0].ID)
}

func TestHub_BroadcastsToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Deliver(ctx, event("ws-1")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got model.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "ws-1", got.ID)
	assert.Equal(t, model.EventTradeExecuted, got.Type)
}
