package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"

	"fenrir/domain/changelog"
	"fenrir/infra/checkpoint"
	"fenrir/infra/config"
	"fenrir/infra/idgen"
	"fenrir/infra/kafka"
	"fenrir/infra/outbox"
	"fenrir/infra/wal"
	"fenrir/jobs/relay"
	"fenrir/service"
)

const deltaSubscriptionBuffer = 1024

func main() {
	cfgPath := flag.String("config", "fenrir.yaml", "path to the server configuration")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Pyroscope.ServerAddress != "" {
		name := cfg.Pyroscope.AppName
		if name == "" {
			name = "fenrir"
		}
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: name,
			ServerAddress:   cfg.Pyroscope.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Printf("[server] pyroscope disabled: %v", err)
		} else {
			defer profiler.Stop()
		}
	}

	gens := idgen.NewGenerators(cfg.NodeID)

	store, err := outbox.Open(cfg.Outbox.Dir)
	if err != nil {
		log.Fatalf("[server] outbox: %v", err)
	}
	defer store.Close()

	publisher := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.DeltaTopic)
	defer publisher.Close()

	dispatcher := service.NewDispatcher(nil, 0)

	var wg sync.WaitGroup
	var logs []*wal.Log
	for _, sym := range cfg.Symbols {
		dir := filepath.Join(cfg.WAL.Dir, sym.Name)
		l, err := wal.Open(wal.Config{
			Dir:             dir,
			SegmentSize:     uint64(cfg.WAL.SegmentSize),
			SegmentDuration: cfg.WAL.SegmentDuration.Std(),
			FlushInterval:   cfg.WAL.FlushInterval.Std(),
		})
		if err != nil {
			log.Fatalf("[server] wal %s: %v", sym.Name, err)
		}
		logs = append(logs, l)

		eng := service.NewEngine(service.EngineConfig{
			Symbol:    sym.Name,
			PriceTick: sym.PriceTick,
			QtyTick:   sym.QtyTick,
			QueueSize: sym.QueueSize,
		}, gens, nil, changelog.MultiSink{l, store})

		ckptPath := filepath.Join(dir, "book.ckpt")
		snap, err := checkpoint.Load(ckptPath)
		if err != nil {
			log.Printf("[server] %s: discarding checkpoint: %v", sym.Name, err)
			snap = nil
		}
		if err := eng.Recover(l, snap); err != nil {
			log.Fatalf("[server] %s: %v", sym.Name, err)
		}

		dispatcher.Register(eng)
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			pumpDeltas(ctx, eng, publisher)
		}()

		if interval := cfg.WAL.CheckpointInterval.Std(); interval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				checkpointLoop(ctx, eng, l, ckptPath, interval)
			}()
		}
	}

	rel, err := relay.New(relay.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.ChangelogTopic,
		Interval: cfg.Kafka.RelayInterval.Std(),
	}, store)
	if err != nil {
		log.Fatalf("[server] relay: %v", err)
	}
	rel.Start(ctx)

	log.Printf("[server] serving %d symbols", len(cfg.Symbols))
	<-ctx.Done()
	log.Printf("[server] shutting down")

	wg.Wait()
	if err := rel.Close(); err != nil {
		log.Printf("[server] relay close: %v", err)
	}
	for _, l := range logs {
		if err := l.Close(); err != nil {
			log.Printf("[server] wal close: %v", err)
		}
	}
}

// pumpDeltas bridges one symbol's market-data stream to the delta topic.
// Drops are counted by the subscription; a consumer that sees a sequence
// gap refetches a snapshot.
func pumpDeltas(ctx context.Context, eng *service.Engine, publisher *kafka.Publisher) {
	sub := eng.Aggregator().Subscribe(deltaSubscriptionBuffer)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			if n := sub.Dropped(); n > 0 {
				log.Printf("[deltas %s] dropped %d events", eng.Symbol(), n)
			}
			return
		case ev := <-sub.C():
			if err := publisher.Publish(ctx, ev); err != nil {
				log.Printf("[deltas %s] publish seq %d: %v", eng.Symbol(), ev.Seq, err)
			}
		}
	}
}

// checkpointLoop periodically persists a book image and truncates the
// change log behind it.
func checkpointLoop(ctx context.Context, eng *service.Engine, l *wal.Log, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := eng.Checkpoint()
			if err != nil {
				log.Printf("[checkpoint %s] skipped: %v", eng.Symbol(), err)
				continue
			}
			if err := checkpoint.Write(path, snap); err != nil {
				log.Printf("[checkpoint %s] write: %v", eng.Symbol(), err)
				continue
			}
			if err := l.TruncateBefore(snap.Seq + 1); err != nil {
				log.Printf("[checkpoint %s] truncate: %v", eng.Symbol(), err)
				continue
			}
			log.Printf("[checkpoint %s] seq %d, %d open orders", eng.Symbol(), snap.Seq, len(snap.Orders))
		}
	}
}
