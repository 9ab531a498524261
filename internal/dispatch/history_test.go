package dispatch

import (
	"path/filepath"
	"testing"
)

func testHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryAppendRecent(t *testing.T) {
	h := testHistory(t)
	for i, id := range []string{"c-1", "c-2", "c-3"} {
		status := "ok"
		if i == 2 {
			status = "error"
		}
		err := h.Append(&Result{
			AgentID:   "agent-1",
			CommandID: id,
			DN:        "0102030A0B0C",
			Status:    status,
		}, "config")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := h.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].CommandID != "c-3" || entries[0].Status != "error" {
		t.Fatalf("newest first violated: %+v", entries[0])
	}
}

func TestHistoryLatestFor(t *testing.T) {
	h := testHistory(t)
	h.Append(&Result{CommandID: "c-1", DN: "AAAAAAAAAAAA", Status: "ok"}, "config")
	h.Append(&Result{CommandID: "c-2", DN: "BBBBBBBBBBBB", Status: "ok"}, "config")
	h.Append(&Result{CommandID: "c-3", DN: "AAAAAAAAAAAA", Status: "error", Error: "tcp_failed"}, "config")

	e, err := h.LatestFor("AAAAAAAAAAAA")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if e == nil || e.CommandID != "c-3" {
		t.Fatalf("entry = %+v", e)
	}

	missing, err := h.LatestFor("CCCCCCCCCCCC")
	if err != nil || missing != nil {
		t.Fatalf("missing = %+v, %v", missing, err)
	}
}

func TestLicenseHistory(t *testing.T) {
	h := testHistory(t)
	err := h.AppendLicense(LicenseEntry{
		Token:      "MFRGG...",
		DeviceCode: "E00AD6773866",
		Tier:       "pro",
		Expiry:     "2027-03-01T23:59:59Z",
	})
	if err != nil {
		t.Fatalf("append license: %v", err)
	}
	lics, err := h.Licenses()
	if err != nil || len(lics) != 1 {
		t.Fatalf("licenses = %v, %v", lics, err)
	}
	if lics[0].DeviceCode != "E00AD6773866" || lics[0].Tier != "pro" {
		t.Fatalf("entry = %+v", lics[0])
	}
}
