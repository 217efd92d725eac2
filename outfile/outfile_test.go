package outfile

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readRecords(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	var out []record
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestOpenRejectsBadExtension(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "out.json"), map[string]string{}, false)
	if err == nil {
		t.Fatal("expected ErrBadExtension")
	}
}

func TestOpenRefusesOverwriteWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl.gz")
	s, err := Open(path, map[string]string{"k": "v"}, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	if _, err := Open(path, map[string]string{"k": "v"}, false); err == nil {
		t.Fatal("expected ErrExists")
	}
	if _, err := Open(path, map[string]string{"k": "v"}, true); err != nil {
		t.Fatalf("Open with force: %v", err)
	}
}

func TestRecordOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl.gz")
	s, err := Open(path, map[string]string{"platform": "memory"}, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WriteData("start_time", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := s.WriteData("tx", map[string]interface{}{"trans_ctr": 0, "channel": 11}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := s.WriteData("rx", map[string]interface{}{"mac_addr": "0x1"}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := s.WriteData("node_info", map[string]interface{}{"index": 0, "mac_addr": "0x1"}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := s.WriteData("end_time", "2026-01-01T00:01:00Z"); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records := readRecords(t, path)
	wantOrder := []string{"config", "start_time", "tx", "rx", "node_info", "end_time"}
	if len(records) != len(wantOrder) {
		t.Fatalf("got %d records, want %d", len(records), len(wantOrder))
	}
	for i, want := range wantOrder {
		if records[i].DataType != want {
			t.Errorf("record[%d].DataType = %s, want %s", i, records[i].DataType, want)
		}
	}
}
