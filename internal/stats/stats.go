package stats

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/etx-iot/etx/internal/logger"
)

// Counters aggregates the pipeline's hot-path counts. Everything is atomic;
// the printer and the Prometheus collectors read the same values.
type Counters struct {
	In        atomic.Uint64
	RawPub    atomic.Uint64
	ParsedPub atomic.Uint64
	ParseErr  atomic.Uint64

	// Sampled at print time. DropCount reads the queue's own counter.
	DropCount   func() uint64
	QueueLen    func() int
	DeviceCount func() int
}

func New() *Counters {
	return &Counters{
		DropCount:   func() uint64 { return 0 },
		QueueLen:    func() int { return 0 },
		DeviceCount: func() int { return 0 },
	}
}

// Register wires the counters into a Prometheus registry.
func (c *Counters) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		counterFunc("etx_frames_in_total", "Datagrams received on the UDP socket.", &c.In),
		counterFunc("etx_raw_published_total", "Raw batches published to the broker.", &c.RawPub),
		counterFunc("etx_parsed_published_total", "Parsed batches published to the broker.", &c.ParsedPub),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "etx_dropped_total", Help: "Datagrams dropped by the ingress queue.",
		}, func() float64 { return float64(c.DropCount()) }),
		counterFunc("etx_parse_errors_total", "Frames that failed to parse.", &c.ParseErr),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "etx_queue_depth", Help: "Current ingress queue depth.",
		}, func() float64 { return float64(c.QueueLen()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "etx_registry_devices", Help: "Live entries in the device registry.",
		}, func() float64 { return float64(c.DeviceCount()) }),
	)
}

func counterFunc(name, help string, v *atomic.Uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) })
}

// Run prints a stats line every interval until ctx is cancelled.
func (c *Counters) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastIn, lastRaw, lastParsed, lastDrop, lastErr uint64
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in := c.In.Load()
			raw := c.RawPub.Load()
			parsed := c.ParsedPub.Load()
			drop := c.DropCount()
			perr := c.ParseErr.Load()

			now := time.Now()
			dt := now.Sub(last).Seconds()
			if dt <= 0 {
				dt = 1
			}
			logger.Info("stats",
				"in", in, "in_rate", rate(in, lastIn, dt),
				"raw_pub", raw, "raw_rate", rate(raw, lastRaw, dt),
				"parsed_pub", parsed, "parsed_rate", rate(parsed, lastParsed, dt),
				"drop", drop, "drop_rate", rate(drop, lastDrop, dt),
				"parse_err", perr, "err_rate", rate(perr, lastErr, dt),
				"queue", c.QueueLen(),
				"devices", c.DeviceCount(),
			)
			last, lastIn, lastRaw, lastParsed, lastDrop, lastErr = now, in, raw, parsed, drop, perr
		}
	}
}

func rate(cur, prev uint64, dt float64) float64 {
	return float64(cur-prev) / dt
}
