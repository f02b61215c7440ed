package config

import "testing"

func TestLoadFlashSaleDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*FlashSale) bool
		expect string
	}{
		{"default mode is api", func(c *FlashSale) bool { return c.Mode == "api" }, "api"},
		{"default host is 0.0.0.0", func(c *FlashSale) bool { return c.Host == "0.0.0.0" }, "0.0.0.0"},
		{"default port is 8080", func(c *FlashSale) bool { return c.Port == 8080 }, "8080"},
		{"default log level is info", func(c *FlashSale) bool { return c.LogLevel == "info" }, "info"},
		{"default log format is json", func(c *FlashSale) bool { return c.LogFormat == "json" }, "json"},
		{"default metrics path", func(c *FlashSale) bool { return c.MetricsPath == "/metrics" }, "/metrics"},
		{"listen addr format", func(c *FlashSale) bool { return c.ListenAddr() == "0.0.0.0:8080" }, "0.0.0.0:8080"},
		{"default token bucket rate", func(c *FlashSale) bool { return c.TokenBucketRate == 50 }, "50"},
		{"default token bucket capacity", func(c *FlashSale) bool { return c.TokenBucketCapacity == 200 }, "200"},
		{"default payment window", func(c *FlashSale) bool { return c.PaymentWindowSeconds == 600 }, "600"},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestLoadIMRouterDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*IMRouter) bool
		expect string
	}{
		{"default mode is api", func(c *IMRouter) bool { return c.Mode == "api" }, "api"},
		{"default port is 8081", func(c *IMRouter) bool { return c.Port == 8081 }, "8081"},
		{"default presence lease ttl", func(c *IMRouter) bool { return c.PresenceLeaseTTLSec == 90 }, "90"},
		{"default snapshot every", func(c *IMRouter) bool { return c.SequencerSnapshotEvery == 10000 }, "10000"},
		{"default max retries", func(c *IMRouter) bool { return c.MaxRetries == 3 }, "3"},
		{"listen addr format", func(c *IMRouter) bool { return c.ListenAddr() == "0.0.0.0:8081" }, "0.0.0.0:8081"},
	}

	cfg, err := LoadIMRouter()
	if err != nil {
		t.Fatalf("LoadIMRouter() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
