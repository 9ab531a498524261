package sink

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/etx-iot/etx/internal/broker"
	"github.com/etx-iot/etx/internal/codec"
	"github.com/etx-iot/etx/internal/logger"
	"github.com/etx-iot/etx/internal/store"
)

// Config for the broker→store sink.
type Config struct {
	DataFilter   string // e.g. etx/v1/parsed/#
	ControlTopic string // e.g. etx/v1/control/record
	QoS          byte
	Fields       codec.FieldMap
	RecordDNs    []string // selector preload from configuration
}

// controlMsg is the record toggle body.
type controlMsg struct {
	DN     string `json:"dn"`
	Record bool   `json:"record"`
}

// Sink routes parsed samples into the session store, gated by the recording
// selector. Only control messages mutate the selector.
type Sink struct {
	cfg   Config
	store *store.Store

	mu        sync.Mutex
	selector  map[string]bool
	recordAll bool

	now func() time.Time // test hook
}

func New(cfg Config, st *store.Store) *Sink {
	s := &Sink{
		cfg:      cfg,
		store:    st,
		selector: make(map[string]bool),
		now:      time.Now,
	}
	s.SetSelector(cfg.RecordDNs)
	return s
}

// Start subscribes the sink on the given broker connection.
func (s *Sink) Start(client broker.Client) error {
	if err := client.Subscribe(s.cfg.ControlTopic, s.cfg.QoS, func(_ string, payload []byte, retained bool) {
		s.HandleControl(payload, retained)
	}); err != nil {
		return err
	}
	return client.Subscribe(s.cfg.DataFilter, s.cfg.QoS, func(topic string, payload []byte, _ bool) {
		s.HandleData(topic, payload)
	})
}

// SetSelector replaces the selector wholesale (config preload / hot reload).
// "ALL" switches on record-everything mode.
func (s *Sink) SetSelector(dns []string) {
	sel := make(map[string]bool)
	all := false
	for _, raw := range dns {
		if raw == codec.BroadcastDN {
			all = true
			continue
		}
		if hex, err := codec.NormalizeDNHex(raw); err == nil {
			sel[hex] = true
		} else {
			logger.Warn("selector entry ignored", "dn", raw, "err", err)
		}
	}
	s.mu.Lock()
	s.selector = sel
	s.recordAll = all
	s.mu.Unlock()
}

// HandleControl applies one record toggle. Retained messages replay stale
// operator intent on subscribe and are ignored. The "ALL" selector flips the
// record-everything flag; stopping it also closes every open session.
func (s *Sink) HandleControl(payload []byte, retained bool) {
	if retained {
		return
	}
	var msg controlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Warn("bad control message", "err", err)
		return
	}
	if msg.DN == codec.BroadcastDN {
		s.mu.Lock()
		s.recordAll = msg.Record
		s.mu.Unlock()
		if !msg.Record {
			s.store.CloseAll()
		}
		logger.Info("record-all toggled", "record", msg.Record)
		return
	}
	hex, err := codec.NormalizeDNHex(msg.DN)
	if err != nil {
		logger.Warn("control message with invalid dn", "dn", msg.DN)
		return
	}
	s.mu.Lock()
	if msg.Record {
		s.selector[hex] = true
	} else {
		delete(s.selector, hex)
	}
	s.mu.Unlock()
	if !msg.Record {
		// Stopping an already-closed session is a no-op in the store.
		s.store.CloseSession(hex)
	}
	logger.Info("record toggled", "dn", hex, "record", msg.Record)
}

// HandleData dispatches one data message: JSON object or array first, legacy
// binary frames otherwise. Unselected DNs are dropped silently.
func (s *Sink) HandleData(topic string, payload []byte) {
	ingest := s.now()
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return
	}
	switch trimmed[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			logger.Debug("bad json payload", "topic", topic, "err", err)
			return
		}
		s.dispatch(obj, ingest)
	case '[':
		var arr []map[string]any
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			logger.Debug("bad json array payload", "topic", topic, "err", err)
			return
		}
		for _, obj := range arr {
			s.dispatch(obj, ingest)
		}
	default:
		for _, frame := range codec.ExtractFrames(payload) {
			sample, err := codec.Parse(frame)
			if err != nil {
				continue
			}
			s.dispatchSample(sample, ingest)
		}
	}
}

func (s *Sink) dispatch(obj map[string]any, ingest time.Time) {
	rec, err := s.cfg.Fields.Decode(obj)
	if err != nil {
		logger.Debug("record decode failed", "err", err)
		return
	}
	s.persist(rec, ingest)
}

func (s *Sink) dispatchSample(sample codec.Sample, ingest time.Time) {
	rec := codec.Record{
		DNHex:   sample.DN.Hex(),
		SN:      int(sample.SN),
		TS:      sample.Timestamp,
		TSValid: sample.Timestamp > 0,
	}
	rec.Pressures = make([]float64, len(sample.Pressures))
	for i, p := range sample.Pressures {
		rec.Pressures[i] = float64(p)
	}
	for i := 0; i < 3; i++ {
		rec.Mag[i] = float64(sample.Mag[i])
		rec.Gyro[i] = float64(sample.Gyro[i])
		rec.Acc[i] = float64(sample.Acc[i])
	}
	s.persist(rec, ingest)
}

func (s *Sink) persist(rec codec.Record, ingest time.Time) {
	s.mu.Lock()
	selected := s.recordAll || s.selector[rec.DNHex]
	s.mu.Unlock()
	if !selected {
		return
	}
	if err := s.store.Write(rec, ingest); err != nil {
		logger.Warn("store write failed", "dn", rec.DNHex, "err", err)
	}
}

// Recording reports whether dn would currently be persisted.
func (s *Sink) Recording(dn string) bool {
	hex, err := codec.NormalizeDNHex(dn)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordAll || s.selector[hex]
}
