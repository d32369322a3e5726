package compress

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
)

// Record is one monitoring sample accumulated into a batch. Values holds
// continuous measurements, Counts holds monotonic counters.
type Record struct {
	Source string             `msgpack:"s"`
	Kind   string             `msgpack:"k"`
	At     int64              `msgpack:"t"` // unix milliseconds
	Values map[string]float64 `msgpack:"v,omitempty"`
	Counts map[string]int64   `msgpack:"c,omitempty"`
	Labels map[string]string  `msgpack:"l,omitempty"`
}

// Stats are monotonically-accumulating codec counters. Never reset except
// by an explicit ResetStats call.
type Stats struct {
	OriginalSize       int64
	CompressedSize     int64
	ProcessedCount     int64
	TotalSaved         int64
	AvgCompressionTime time.Duration
}

// Ratio returns compressed/original size, 1.0 when nothing was processed
func (s Stats) Ratio() float64 {
	if s.OriginalSize == 0 {
		return 1.0
	}
	return float64(s.CompressedSize) / float64(s.OriginalSize)
}

// Compressor serializes record batches, applying bounded precision
// reduction before byte-level compression. Batches below the configured
// threshold are returned raw-serialized; Decompress accepts both forms.
type Compressor struct {
	cfg     config.CompressionConfig
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  core.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Compressor from config. A nil logger falls back to the
// default logger.
func New(cfg config.CompressionConfig, logger core.Logger) (*Compressor, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	level := zstd.EncoderLevel(cfg.Level)
	if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
		level = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Compressor{
		cfg:     cfg,
		encoder: encoder,
		decoder: decoder,
		logger:  logger,
	}, nil
}

// Compress rounds each record's numeric fields, serializes the batch and,
// when enabled and above the size threshold, zstd-compresses the result.
func (c *Compressor) Compress(records []Record) ([]byte, error) {
	start := time.Now()

	rounded := make([]Record, len(records))
	for i := range records {
		rounded[i] = roundRecord(records[i])
	}

	serialized, err := msgpack.Marshal(rounded)
	if err != nil {
		return nil, fmt.Errorf("serialize batch: %w", err)
	}

	out := serialized
	if c.cfg.Enabled && len(serialized) >= c.cfg.Threshold {
		out = c.encoder.EncodeAll(serialized, nil)
	}

	c.mu.Lock()
	c.stats.ProcessedCount++
	c.stats.OriginalSize += int64(len(serialized))
	c.stats.CompressedSize += int64(len(out))
	c.stats.TotalSaved += int64(len(serialized) - len(out))
	// Cumulative moving average over all batches
	n := c.stats.ProcessedCount
	c.stats.AvgCompressionTime += (time.Since(start) - c.stats.AvgCompressionTime) / time.Duration(n)
	c.mu.Unlock()

	return out, nil
}

// Decompress restores a batch produced by Compress. Input is
// self-describing: zstd decompression is attempted first, and on failure
// the data is treated as raw-serialized.
func (c *Compressor) Decompress(data []byte) ([]Record, error) {
	serialized, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		serialized = data
	}

	var records []Record
	if err := msgpack.Unmarshal(serialized, &records); err != nil {
		return nil, fmt.Errorf("deserialize batch: %w", err)
	}
	return records, nil
}

// Stats returns a point-in-time snapshot of the codec counters
func (c *Compressor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetStats zeroes the counters. Operator action only.
func (c *Compressor) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

// Close releases the underlying zstd encoder/decoder
func (c *Compressor) Close() error {
	err := c.encoder.Close()
	c.decoder.Close()
	return err
}

// precisionFor maps a value field name to its decimal precision. The
// reduction is deliberately lossy but bounded: round-trips reproduce
// values within half a unit of the last kept decimal.
func precisionFor(field string) int {
	name := strings.ToLower(field)
	switch {
	case strings.Contains(name, "ratio"):
		return 4
	case strings.HasSuffix(name, "_pct") || strings.Contains(name, "percent"):
		return 1
	case strings.Contains(name, "latency") || strings.HasSuffix(name, "_ms"):
		return 2
	default:
		return 2
	}
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}

func roundRecord(r Record) Record {
	if len(r.Values) == 0 {
		return r
	}
	values := make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		values[k] = roundTo(v, precisionFor(k))
	}
	r.Values = values
	return r
}
