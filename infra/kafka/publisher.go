// Package kafka publishes market-data delta events. Messages are keyed by
// symbol so every consumer sees one symbol's deltas in order.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"fenrir/domain/marketdata"
)

// DeltaMessage is the wire form of one market-data event.
type DeltaMessage struct {
	Kind    string `json:"kind"`
	Symbol  string `json:"symbol"`
	Seq     uint64 `json:"seq"`
	Time    int64  `json:"time"`
	Side    string `json:"side,omitempty"`
	Price   string `json:"price,omitempty"`
	Qty     string `json:"qty,omitempty"`
	OrderID uint64 `json:"order_id,omitempty"`
	Removed bool   `json:"removed,omitempty"`
	MakerID uint64 `json:"maker_order_id,omitempty"`
	TakerID uint64 `json:"taker_order_id,omitempty"`
	Bid     string `json:"bid,omitempty"`
	BidQty  string `json:"bid_qty,omitempty"`
	Ask     string `json:"ask,omitempty"`
	AskQty  string `json:"ask_qty,omitempty"`
	Last    string `json:"last,omitempty"`
}

// Publisher writes delta events to one topic.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // same symbol, same partition
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish sends one delta event keyed by symbol.
func (p *Publisher) Publish(ctx context.Context, e marketdata.Event) error {
	value, err := json.Marshal(toMessage(e))
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Symbol),
		Value: value,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toMessage(e marketdata.Event) DeltaMessage {
	m := DeltaMessage{
		Kind:   e.Kind.String(),
		Symbol: e.Symbol,
		Seq:    e.Seq,
		Time:   e.Time,
	}
	switch e.Kind {
	case marketdata.KindBBO:
		if e.BBO.HasBid {
			m.Bid = e.BBO.Bid.String()
			m.BidQty = e.BBO.BidQty.String()
		}
		if e.BBO.HasAsk {
			m.Ask = e.BBO.Ask.String()
			m.AskQty = e.BBO.AskQty.String()
		}
		if e.BBO.HasLast {
			m.Last = e.BBO.Last.String()
		}
	case marketdata.KindDepth:
		m.Side = e.Side.String()
		m.Price = e.Price.String()
		m.Qty = e.Qty.String()
	case marketdata.KindOrder:
		m.Side = e.Side.String()
		m.Price = e.Price.String()
		m.Qty = e.Qty.String()
		m.OrderID = e.OrderID
		m.Removed = e.Removed
	case marketdata.KindTrade:
		m.Side = e.Side.String()
		m.Price = e.Price.String()
		m.Qty = e.Qty.String()
		m.MakerID = e.MakerOrderID
		m.TakerID = e.TakerOrderID
	}
	return m
}
