package compress

import (
	"math"
	"testing"

	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
)

func newCompressor(t *testing.T, mutate func(*config.CompressionConfig)) *Compressor {
	t.Helper()
	cfg := config.Default().Compression
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, core.NewNopLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleBatch(n int) []Record {
	batch := make([]Record, n)
	for i := range batch {
		batch[i] = Record{
			Source: "node-a",
			Kind:   "sample",
			At:     int64(1700000000000 + i),
			Values: map[string]float64{
				"cpu_pct":     45.6789,
				"hit_ratio":   0.123456,
				"latency_ms":  12.3456,
				"temperature": 21.98765,
			},
			Counts: map[string]int64{"requests": int64(100 + i)},
			Labels: map[string]string{"region": "eu-west"},
		}
	}
	return batch
}

func TestCompressor_RoundTrip(t *testing.T) {
	c := newCompressor(t, func(cfg *config.CompressionConfig) { cfg.Threshold = 1 })

	batch := sampleBatch(50)
	data, err := c.Compress(batch)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	restored, err := c.Decompress(data)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if len(restored) != 50 {
		t.Fatalf("expected 50 records, got %d", len(restored))
	}
	if restored[0].Source != "node-a" || restored[0].Kind != "sample" {
		t.Errorf("record identity lost: %+v", restored[0])
	}
	if restored[0].Counts["requests"] != 100 {
		t.Errorf("counts lost: %+v", restored[0].Counts)
	}
	if restored[0].Labels["region"] != "eu-west" {
		t.Errorf("labels lost: %+v", restored[0].Labels)
	}
}

func TestCompressor_PrecisionRounding(t *testing.T) {
	c := newCompressor(t, func(cfg *config.CompressionConfig) { cfg.Threshold = 1 })

	data, err := c.Compress(sampleBatch(1))
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	restored, err := c.Decompress(data)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}

	values := restored[0].Values
	cases := []struct {
		field string
		want  float64
	}{
		{"cpu_pct", 45.7},      // percentages round to 1 decimal
		{"hit_ratio", 0.1235},  // ratios keep 4 decimals
		{"latency_ms", 12.35},  // latencies keep 2 decimals
		{"temperature", 21.99}, // default precision is 2 decimals
	}
	for _, tc := range cases {
		if math.Abs(values[tc.field]-tc.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", tc.field, values[tc.field], tc.want)
		}
	}
}

func TestCompressor_SmallBatchSkipsCompression(t *testing.T) {
	c := newCompressor(t, func(cfg *config.CompressionConfig) { cfg.Threshold = 1 << 20 })

	data, err := c.Compress(sampleBatch(2))
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	// Below the threshold the payload is raw serialization; stats must
	// show no savings
	st := c.Stats()
	if st.CompressedSize != st.OriginalSize || st.TotalSaved != 0 {
		t.Errorf("small batch should skip compression: %+v", st)
	}

	// Decompress still restores the raw form
	restored, err := c.Decompress(data)
	if err != nil {
		t.Fatalf("Decompress failed on raw payload: %v", err)
	}
	if len(restored) != 2 {
		t.Errorf("expected 2 records, got %d", len(restored))
	}
}

func TestCompressor_DisabledNeverCompresses(t *testing.T) {
	c := newCompressor(t, func(cfg *config.CompressionConfig) {
		cfg.Enabled = false
		cfg.Threshold = 1
	})

	if _, err := c.Compress(sampleBatch(100)); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if st := c.Stats(); st.TotalSaved != 0 {
		t.Errorf("disabled compressor should not compress: %+v", st)
	}
}

func TestCompressor_StatsAccumulate(t *testing.T) {
	c := newCompressor(t, func(cfg *config.CompressionConfig) { cfg.Threshold = 1 })

	// Repetitive batches compress well
	for i := 0; i < 3; i++ {
		if _, err := c.Compress(sampleBatch(100)); err != nil {
			t.Fatalf("Compress failed: %v", err)
		}
	}

	st := c.Stats()
	if st.ProcessedCount != 3 {
		t.Errorf("expected 3 processed batches, got %d", st.ProcessedCount)
	}
	if st.CompressedSize >= st.OriginalSize {
		t.Errorf("expected compression savings on repetitive data: %+v", st)
	}
	if st.Ratio() >= 1.0 || st.Ratio() <= 0 {
		t.Errorf("ratio out of range: %v", st.Ratio())
	}
	if st.TotalSaved != st.OriginalSize-st.CompressedSize {
		t.Errorf("TotalSaved inconsistent: %+v", st)
	}

	c.ResetStats()
	if st := c.Stats(); st.ProcessedCount != 0 || st.OriginalSize != 0 {
		t.Errorf("ResetStats left residue: %+v", st)
	}
}

func TestRatio_EmptyStats(t *testing.T) {
	if r := (Stats{}).Ratio(); r != 1.0 {
		t.Errorf("empty stats ratio = %v, want 1.0", r)
	}
}
