package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/etx-iot/etx/internal/codec"
)

func testStore(t *testing.T, idle time.Duration) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s := New(Config{RootDir: root, FlushEveryRows: 1, IdleTimeout: idle})
	t.Cleanup(s.CloseAll)
	return s, root
}

func rec(dn string, sn int, ts float64, valid bool) codec.Record {
	press := make([]float64, sn)
	for i := range press {
		press[i] = float64(40 + i)
	}
	return codec.Record{
		DNHex:     dn,
		SN:        sn,
		TS:        ts,
		TSValid:   valid,
		Pressures: press,
		Mag:       [3]float64{1, 0, 0},
	}
}

func listCSVs(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, ".csv") {
			rel, _ := filepath.Rel(root, path)
			files = append(files, rel)
		}
		return nil
	})
	return files
}

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return tm
}

func TestDayRotation(t *testing.T) {
	s, root := testStore(t, time.Hour)
	day1 := ts(t, "2025-06-01T10:00:00Z")
	day2 := ts(t, "2025-06-02T10:00:00Z")
	ingest := ts(t, "2025-06-02T10:00:01Z")

	if err := s.Write(rec("ABCDEF012345", 2, float64(day1.Unix()), true), ingest); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(rec("ABCDEF012345", 2, float64(day2.Unix()), true), ingest.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	s.CloseAll()

	files := listCSVs(t, root)
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2", files)
	}
	days := map[string]bool{}
	for _, f := range files {
		days[strings.Split(f, string(filepath.Separator))[1]] = true
	}
	if !days["20250601"] || !days["20250602"] {
		t.Fatalf("day dirs = %v", files)
	}
}

func TestIdleRotation(t *testing.T) {
	s, root := testStore(t, 10*time.Second)
	event := ts(t, "2025-06-01T10:00:00Z")
	ingest := ts(t, "2025-06-01T10:00:00Z")

	s.Write(rec("ABCDEF012345", 2, float64(event.Unix()), true), ingest)
	s.Write(rec("ABCDEF012345", 2, float64(event.Unix())+30, true), ingest.Add(30*time.Second))
	s.CloseAll()

	if files := listCSVs(t, root); len(files) != 2 {
		t.Fatalf("files = %v, want 2 after idle rotation", files)
	}
}

func TestSNChangeRotation(t *testing.T) {
	s, root := testStore(t, time.Hour)
	event := ts(t, "2025-06-01T10:00:00Z")
	ingest := event

	s.Write(rec("ABCDEF012345", 2, float64(event.Unix()), true), ingest)
	s.Write(rec("ABCDEF012345", 3, float64(event.Unix()), true), ingest)
	s.CloseAll()

	files := listCSVs(t, root)
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2 after SN switch", files)
	}

	var headers []string
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(root, f))
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(string(data), "\n")
		if !strings.HasPrefix(lines[0], "// DN: ABCDEF012345, SN: ") {
			t.Fatalf("comment header = %q", lines[0])
		}
		headers = append(headers, lines[1])
	}
	joined := strings.Join(headers, "|")
	if !strings.Contains(joined, "Timestamp,P1,P2,Mag_x") || !strings.Contains(joined, "Timestamp,P1,P2,P3,Mag_x") {
		t.Fatalf("headers = %v", headers)
	}
}

func TestInvalidTimestampUsesIngest(t *testing.T) {
	s, root := testStore(t, time.Hour)
	ingest := ts(t, "2025-06-01T10:00:00Z")

	for _, bad := range []float64{0, -1} {
		if err := s.Write(rec("ABCDEF012345", 1, bad, false), ingest); err != nil {
			t.Fatal(err)
		}
	}
	s.CloseAll()

	files := listCSVs(t, root)
	if len(files) != 1 {
		t.Fatalf("files = %v, want 1 (no spurious rotation)", files)
	}
	if !strings.Contains(files[0], "20250601") {
		t.Fatalf("file %v not named from ingest day", files[0])
	}
	data, _ := os.ReadFile(filepath.Join(root, files[0]))
	rows := strings.Count(strings.TrimSpace(string(data)), "\n") - 1 // minus headers
	if rows != 2 {
		t.Fatalf("rows = %d, want 2 persisted samples", rows)
	}
}

func TestPressurePadTruncate(t *testing.T) {
	s, root := testStore(t, time.Hour)
	event := ts(t, "2025-06-01T10:00:00Z")

	r := rec("ABCDEF012345", 3, float64(event.Unix()), true)
	r.Pressures = []float64{7} // short: pad with zeros
	s.Write(r, event)

	r2 := rec("ABCDEF012345", 3, float64(event.Unix()), true)
	r2.Pressures = []float64{1, 2, 3, 4, 5} // long: truncate
	s.Write(r2, event)
	s.CloseAll()

	files := listCSVs(t, root)
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	data, _ := os.ReadFile(filepath.Join(root, files[0]))
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if !strings.HasPrefix(lines[2], fmtFloat(float64(event.Unix()))+",7,0,0,") {
		t.Fatalf("padded row = %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], fmtFloat(float64(event.Unix()))+",1,2,3,") {
		t.Fatalf("truncated row = %q", lines[3])
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	s, root := testStore(t, time.Hour)
	event := ts(t, "2025-06-01T10:00:00Z")
	s.Write(rec("ABCDEF012345", 1, float64(event.Unix()), true), event)

	s.CloseSession("ABCDEF012345")
	s.CloseSession("ABCDEF012345") // already closed: no-op
	s.CloseSession("000000000000") // never existed: no-op

	if files := listCSVs(t, root); len(files) != 1 {
		t.Fatalf("files = %v, want 1", files)
	}
	if s.Open() != 0 {
		t.Fatalf("Open = %d", s.Open())
	}
}

func TestSweepIdleClosesOnIngestTime(t *testing.T) {
	s, _ := testStore(t, 10*time.Second)
	event := ts(t, "2025-06-01T10:00:00Z")
	s.Write(rec("ABCDEF012345", 1, float64(event.Unix()), true), event)

	s.SweepIdle(event.Add(9 * time.Second))
	if s.Open() != 1 {
		t.Fatal("session swept too early")
	}
	s.SweepIdle(event.Add(11 * time.Second))
	if s.Open() != 0 {
		t.Fatal("idle session not swept")
	}
}

func TestFlushEveryRows(t *testing.T) {
	root := t.TempDir()
	s := New(Config{RootDir: root, FlushEveryRows: 100, IdleTimeout: time.Hour})
	event := ts(t, "2025-06-01T10:00:00Z")
	s.Write(rec("ABCDEF012345", 1, float64(event.Unix()), true), event)

	// Buffered: nothing guaranteed on disk yet; close must flush.
	s.CloseAll()
	files := listCSVs(t, root)
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	data, _ := os.ReadFile(filepath.Join(root, files[0]))
	if !strings.Contains(string(data), "\n"+fmtFloat(float64(event.Unix()))+",") {
		t.Fatalf("row not flushed on close: %q", string(data))
	}
}
