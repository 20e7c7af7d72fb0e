// Package relay drains the outbox into the durable change-record topic.
// Delivery is at-least-once: records are marked SENT before the publish
// attempt and ACKED only after the broker confirms, so a crash between the
// two re-delivers on the next pass.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/IBM/sarama"

	"fenrir/infra/outbox"
)

// Config tunes the relay loop.
type Config struct {
	Brokers       []string
	Topic         string
	Interval      time.Duration // pass cadence, default 250ms
	SweepInterval time.Duration // acked-record cleanup cadence, default 1m
}

// Relay pumps pending outbox records to Kafka.
type Relay struct {
	cfg      Config
	store    *outbox.Store
	producer sarama.SyncProducer
}

// New connects the relay's producer. Acks from all in-sync replicas are
// required; a record is only ACKED once the broker owns it.
func New(cfg Config, store *outbox.Store) (*Relay, error) {
	if cfg.Interval == 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	return &Relay{cfg: cfg, store: store, producer: producer}, nil
}

// newWithProducer exists for tests.
func newWithProducer(cfg Config, store *outbox.Store, producer sarama.SyncProducer) *Relay {
	if cfg.Interval == 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Relay{cfg: cfg, store: store, producer: producer}
}

// Start runs the relay loop until ctx is canceled.
func (r *Relay) Start(ctx context.Context) {
	log.Printf("[relay] started, topic=%s interval=%s", r.cfg.Topic, r.cfg.Interval)
	go func() {
		ticker := time.NewTicker(r.cfg.Interval)
		sweep := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		defer sweep.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("[relay] stopped")
				return
			case <-ticker.C:
				r.pumpOnce()
			case <-sweep.C:
				if n, err := r.store.SweepAcked(); err != nil {
					log.Printf("[relay] sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("[relay] swept %d acked records", n)
				}
			}
		}
	}()
}

// pumpOnce walks pending records in sequence order and stops the pass at
// the first broker failure so downstream consumers never observe a gap.
func (r *Relay) pumpOnce() {
	err := r.store.ScanPending(func(rec *outbox.Record) error {
		if err := r.store.MarkSent(rec.Symbol, rec.Seq); err != nil {
			return err
		}
		// keyed by symbol so one symbol's records share a partition
		_, _, err := r.producer.SendMessage(&sarama.ProducerMessage{
			Topic: r.cfg.Topic,
			Key:   sarama.StringEncoder(rec.Symbol),
			Value: sarama.ByteEncoder(rec.Payload),
		})
		if err != nil {
			log.Printf("[relay] publish %s seq %d failed, will retry: %v", rec.Symbol, rec.Seq, err)
			return errStopPass
		}
		return r.store.MarkAcked(rec.Symbol, rec.Seq)
	})
	if err != nil && err != errStopPass {
		log.Printf("[relay] pass aborted: %v", err)
	}
}

var errStopPass = stopPassError{}

type stopPassError struct{}

func (stopPassError) Error() string { return "relay: pass stopped" }

// Close shuts the producer down.
func (r *Relay) Close() error {
	return r.producer.Close()
}
