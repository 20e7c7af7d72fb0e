package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
node_id: 3
symbols:
  - name: BTC-USDT
    price_tick: -2
    qty_tick: -4
  - name: ETH-USDT
    price_tick: -2
    qty_tick: -3
    queue_size: 8192
wal:
  dir: /var/lib/fenrir/wal
  segment_size: 67108864
  segment_duration: 1h
  flush_interval: 100ms
  checkpoint_interval: 15m
outbox:
  dir: /var/lib/fenrir/outbox
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  changelog_topic: fenrir.changelog
  delta_topic: fenrir.deltas
  relay_interval: 250ms
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fenrir.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != 3 {
		t.Errorf("node id = %d, want 3", cfg.NodeID)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0].Name != "BTC-USDT" || cfg.Symbols[0].QtyTick != -4 {
		t.Errorf("symbols = %+v", cfg.Symbols)
	}
	if cfg.Symbols[1].QueueSize != 8192 {
		t.Errorf("queue size = %d, want 8192", cfg.Symbols[1].QueueSize)
	}
	if cfg.WAL.SegmentDuration.Std() != time.Hour || cfg.WAL.CheckpointInterval.Std() != 15*time.Minute {
		t.Errorf("wal durations = %+v", cfg.WAL)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.RelayInterval.Std() != 250*time.Millisecond {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
}

func TestEnvOverridesBrokers(t *testing.T) {
	t.Setenv("FENRIR_KAFKA_BROKERS", "other:9092,another:9092")
	t.Setenv("FENRIR_WAL_DIR", "/tmp/wal-override")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "other:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.WAL.Dir != "/tmp/wal-override" {
		t.Errorf("wal dir = %q", cfg.WAL.Dir)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no symbols", `
wal: {dir: /w}
outbox: {dir: /o}
kafka: {brokers: ["k:9092"], changelog_topic: a, delta_topic: b}
`},
		{"duplicate symbol", `
symbols:
  - {name: BTC-USDT}
  - {name: BTC-USDT}
wal: {dir: /w}
outbox: {dir: /o}
kafka: {brokers: ["k:9092"], changelog_topic: a, delta_topic: b}
`},
		{"bad queue size", `
symbols: [{name: BTC-USDT, queue_size: 100}]
wal: {dir: /w}
outbox: {dir: /o}
kafka: {brokers: ["k:9092"], changelog_topic: a, delta_topic: b}
`},
		{"missing wal dir", `
symbols: [{name: BTC-USDT}]
outbox: {dir: /o}
kafka: {brokers: ["k:9092"], changelog_topic: a, delta_topic: b}
`},
		{"missing topics", `
symbols: [{name: BTC-USDT}]
wal: {dir: /w}
outbox: {dir: /o}
kafka: {brokers: ["k:9092"]}
`},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.body)); err == nil {
			t.Errorf("%s: load accepted invalid config", tc.name)
		}
	}
}
