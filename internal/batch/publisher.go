package batch

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/etx-iot/etx/internal/broker"
	"github.com/etx-iot/etx/internal/codec"
	"github.com/etx-iot/etx/internal/ingress"
	"github.com/etx-iot/etx/internal/logger"
	"github.com/etx-iot/etx/internal/registry"
	"github.com/etx-iot/etx/internal/stats"
)

// Config for the batch publisher.
type Config struct {
	TopicRaw          string
	TopicParsedPrefix string
	PublishRaw        bool
	PublishParsed     bool
	QoS               byte
	MaxItems          int
	MaxAge            time.Duration
	Separator         []byte // appended after each raw frame; nil for NONE
}

type dnBuffer struct {
	items []codec.ParsedBody
	first time.Time
}

// Publisher drains the ingress queue: registry side-effects, raw
// aggregation onto a single topic, parsed per-DN aggregation onto
// <prefix>/<DN>. Buffers flush on size or age.
type Publisher struct {
	cfg    Config
	queue  *ingress.Queue
	client broker.Client
	reg    *registry.Registry
	ctr    *stats.Counters

	rawBuf   []byte
	rawItems int
	rawFirst time.Time
	parsed   map[string]*dnBuffer

	// Malformed input is expected under load; keep the log quiet.
	errLog *rate.Limiter
}

func NewPublisher(cfg Config, queue *ingress.Queue, client broker.Client, reg *registry.Registry, ctr *stats.Counters) *Publisher {
	return &Publisher{
		cfg:    cfg,
		queue:  queue,
		client: client,
		reg:    reg,
		ctr:    ctr,
		parsed: make(map[string]*dnBuffer),
		errLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Run consumes until ctx is cancelled, then flushes everything pending.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flushAll()
			return
		default:
		}
		d, ok := p.queue.Pop(50 * time.Millisecond)
		if ok {
			p.handle(d)
		}
		p.sweep(time.Now())
	}
}

func (p *Publisher) handle(d ingress.Datagram) {
	frames := codec.ExtractFrames(d.Data)
	if len(frames) == 0 {
		p.ctr.ParseErr.Add(1)
		if p.errLog.Allow() {
			logger.Debug("datagram contained no frames", "bytes", len(d.Data), "from", d.Addr.String())
		}
		return
	}
	ip := ""
	if d.Addr.IsValid() {
		ip = d.Addr.Addr().String()
	}
	now := time.Now()
	for _, frame := range frames {
		if dn, ok := codec.QuickDN(frame); ok && ip != "" {
			p.reg.Update(dn.Hex(), ip)
		}
		if p.cfg.PublishRaw {
			p.appendRaw(frame, now)
		}
		if p.cfg.PublishParsed {
			p.appendParsed(frame, now)
		}
	}
}

func (p *Publisher) appendRaw(frame []byte, now time.Time) {
	if p.rawItems == 0 {
		p.rawFirst = now
	}
	p.rawBuf = append(p.rawBuf, frame...)
	if len(p.cfg.Separator) > 0 {
		p.rawBuf = append(p.rawBuf, p.cfg.Separator...)
	}
	p.rawItems++
	if p.rawItems >= p.cfg.MaxItems {
		p.flushRaw()
	}
}

func (p *Publisher) appendParsed(frame []byte, now time.Time) {
	sample, err := codec.Parse(frame)
	if err != nil {
		p.ctr.ParseErr.Add(1)
		if p.errLog.Allow() {
			logger.Debug("frame parse failed", "err", err)
		}
		return
	}
	dnHex, body := codec.EncodeParsed(sample)
	buf := p.parsed[dnHex]
	if buf == nil {
		buf = &dnBuffer{}
		p.parsed[dnHex] = buf
	}
	if len(buf.items) == 0 {
		buf.first = now
	}
	buf.items = append(buf.items, body)
	if len(buf.items) >= p.cfg.MaxItems {
		p.flushDN(dnHex, buf)
	}
}

// sweep flushes buffers that aged past MaxAge.
func (p *Publisher) sweep(now time.Time) {
	if p.rawItems > 0 && now.Sub(p.rawFirst) >= p.cfg.MaxAge {
		p.flushRaw()
	}
	for dn, buf := range p.parsed {
		if len(buf.items) > 0 && now.Sub(buf.first) >= p.cfg.MaxAge {
			p.flushDN(dn, buf)
		}
	}
}

func (p *Publisher) flushAll() {
	if p.rawItems > 0 {
		p.flushRaw()
	}
	for dn, buf := range p.parsed {
		if len(buf.items) > 0 {
			p.flushDN(dn, buf)
		}
	}
}

func (p *Publisher) flushRaw() {
	payload := p.rawBuf
	p.rawBuf = nil
	p.rawItems = 0
	if err := p.client.Publish(p.cfg.TopicRaw, p.cfg.QoS, false, payload); err != nil {
		logger.Warn("raw publish failed", "err", err)
		return
	}
	p.ctr.RawPub.Add(1)
}

func (p *Publisher) flushDN(dnHex string, buf *dnBuffer) {
	items := buf.items
	buf.items = nil

	var payload []byte
	var err error
	if len(items) == 1 {
		payload, err = json.Marshal(items[0])
	} else {
		payload, err = json.Marshal(items)
	}
	if err != nil {
		logger.Warn("parsed marshal failed", "dn", dnHex, "err", err)
		return
	}
	topic := p.cfg.TopicParsedPrefix + "/" + dnHex
	if err := p.client.Publish(topic, p.cfg.QoS, false, payload); err != nil {
		logger.Warn("parsed publish failed", "topic", topic, "err", err)
		return
	}
	p.ctr.ParsedPub.Add(1)
}
