package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/etx-iot/etx/internal/codec"
	"github.com/etx-iot/etx/internal/logger"
)

// Config for the CSV session store.
type Config struct {
	RootDir        string
	FlushEveryRows int
	IdleTimeout    time.Duration
}

// session is one open CSV file for a DN. The file handle is owned by the
// session; writes are serialized by its own mutex so row writes and closes
// happen outside the store lock (file creation in open runs under it).
type session struct {
	mu sync.Mutex

	dn   string
	day  string // YYYYMMDD of the event time
	sn   int
	path string

	file *os.File
	w    *bufio.Writer

	rowsSinceFlush int
	lastIngest     time.Time
}

// Store maps DNs to CSV sessions and applies the rotation rules: calendar
// day change, ingest idle timeout, SN change, and explicit stop.
type Store struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config) *Store {
	if cfg.FlushEveryRows < 1 {
		cfg.FlushEveryRows = 200
	}
	return &Store{cfg: cfg, sessions: make(map[string]*session)}
}

// Write persists one record. Event time (file naming and day rotation) comes
// from the payload timestamp when valid, otherwise from ingest. Idle
// detection always uses ingest time so skewed device clocks cannot pin a
// session open.
func (s *Store) Write(rec codec.Record, ingest time.Time) error {
	eventTime := ingest
	eventTS := float64(ingest.UnixNano()) / 1e9
	if rec.TSValid {
		eventTime = time.Unix(0, int64(rec.TS*1e9)).UTC()
		eventTS = rec.TS
	}

	sess, err := s.sessionFor(rec, eventTime, ingest)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.file == nil { // closed by a concurrent sweep after lookup
		return nil
	}
	if err := sess.writeRow(eventTS, rec, s.cfg.FlushEveryRows); err != nil {
		return err
	}
	sess.lastIngest = ingest
	return nil
}

// sessionFor finds the live session for rec, rotating first when any rule
// fires. The returned session is created (with headers written) if needed.
func (s *Store) sessionFor(rec codec.Record, eventTime, ingest time.Time) (*session, error) {
	day := eventTime.Format("20060102")

	s.mu.Lock()
	sess := s.sessions[rec.DNHex]
	if sess != nil {
		rotate := sess.day != day ||
			sess.sn != rec.SN ||
			ingest.Sub(sess.lastIngest) >= s.cfg.IdleTimeout
		if rotate {
			delete(s.sessions, rec.DNHex)
			old := sess
			sess = nil
			s.mu.Unlock()
			old.close()
			s.mu.Lock()
			// A concurrent writer may have opened a replacement while the
			// lock was released.
			sess = s.sessions[rec.DNHex]
		}
	}
	if sess == nil {
		created, err := s.open(rec.DNHex, day, rec.SN, eventTime, ingest)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.sessions[rec.DNHex] = created
		sess = created
	}
	s.mu.Unlock()
	return sess, nil
}

// open creates the session file and writes the header prefix. Called with
// the store lock held; creation is quick and keeps the lookup/insert atomic
// for concurrent writers of the same DN.
func (s *Store) open(dn, day string, sn int, eventTime, ingest time.Time) (*session, error) {
	dir := filepath.Join(s.cfg.RootDir, dn, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	base := eventTime.Format("150405")
	path := filepath.Join(dir, base+".csv")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		// Same DN and second (e.g. an SN switch): keep both files.
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.csv", base, i))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", path, err)
	}

	sess := &session{
		dn:         dn,
		day:        day,
		sn:         sn,
		path:       path,
		file:       f,
		w:          bufio.NewWriter(f),
		lastIngest: ingest,
	}
	sess.writeHeader()
	logger.Info("session opened", "dn", dn, "path", path, "sn", sn)
	return sess, nil
}

func (sess *session) writeHeader() {
	fmt.Fprintf(sess.w, "// DN: %s, SN: %d\n", sess.dn, sess.sn)
	cols := make([]string, 0, sess.sn+10)
	cols = append(cols, "Timestamp")
	for i := 1; i <= sess.sn; i++ {
		cols = append(cols, "P"+strconv.Itoa(i))
	}
	cols = append(cols, "Mag_x", "Mag_y", "Mag_z", "Gyro_x", "Gyro_y", "Gyro_z", "Acc_x", "Acc_y", "Acc_z")
	sess.w.WriteString(strings.Join(cols, ",") + "\n")
}

func (sess *session) writeRow(ts float64, rec codec.Record, flushEvery int) error {
	fields := make([]string, 0, sess.sn+10)
	fields = append(fields, fmtFloat(ts))
	for i := 0; i < sess.sn; i++ {
		v := 0.0
		if i < len(rec.Pressures) {
			v = rec.Pressures[i]
		}
		fields = append(fields, fmtFloat(v))
	}
	for _, triple := range [][3]float64{rec.Mag, rec.Gyro, rec.Acc} {
		for _, v := range triple {
			fields = append(fields, fmtFloat(v))
		}
	}
	if _, err := sess.w.WriteString(strings.Join(fields, ",") + "\n"); err != nil {
		return fmt.Errorf("store: write %s: %w", sess.path, err)
	}
	sess.rowsSinceFlush++
	if sess.rowsSinceFlush >= flushEvery {
		sess.rowsSinceFlush = 0
		if err := sess.w.Flush(); err != nil {
			return fmt.Errorf("store: flush %s: %w", sess.path, err)
		}
	}
	return nil
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// close flushes and closes the file. Idempotent.
func (sess *session) close() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.file == nil {
		return
	}
	if err := sess.w.Flush(); err != nil {
		logger.Warn("session flush failed", "path", sess.path, "err", err)
	}
	if err := sess.file.Close(); err != nil {
		logger.Warn("session close failed", "path", sess.path, "err", err)
	}
	sess.file = nil
	logger.Info("session closed", "dn", sess.dn, "path", sess.path)
}

// CloseSession closes the open session for dn, if any. Closing an absent
// session is a no-op.
func (s *Store) CloseSession(dn string) {
	s.mu.Lock()
	sess := s.sessions[dn]
	delete(s.sessions, dn)
	s.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

// CloseAll closes every session; used on shutdown.
func (s *Store) CloseAll() {
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range all {
		sess.close()
	}
}

// SweepIdle closes sessions whose last ingest is older than the idle
// timeout. Close happens outside the store lock.
func (s *Store) SweepIdle(now time.Time) {
	var expired []*session
	s.mu.Lock()
	for dn, sess := range s.sessions {
		if now.Sub(sess.lastIngest) >= s.cfg.IdleTimeout {
			delete(s.sessions, dn)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range expired {
		sess.close()
	}
}

// Run drives the periodic idle sweep until ctx is cancelled, then closes
// every remaining session.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.CloseAll()
			return
		case now := <-ticker.C:
			s.SweepIdle(now)
		}
	}
}

// Open reports how many sessions are currently open.
func (s *Store) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
