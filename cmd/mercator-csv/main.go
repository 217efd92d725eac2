// Command mercator-csv converts a raw mercator measurement log
// (.jsonl.gz) into a per-channel PDR/RSSI connectivity-matrix CSV.
package main

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/yatch/mercator/config"
)

var (
	inPath  = kingpin.Arg("input", "path to a raw .jsonl.gz file to convert").Required().String()
	outPath = kingpin.Flag("output", "path to the resulting CSV file").Short('o').Default("output.csv").String()
	force   = kingpin.Flag("force", "overwrite an existing CSV file").Short('f').Bool()
)

type envelope struct {
	DataType string          `json:"data_type"`
	Data     json.RawMessage `json:"data"`
}

type txRecord struct {
	Datetime string `json:"datetime"`
	TransCtr int    `json:"trans_ctr"`
	Channel  int    `json:"channel"`
	MacAddr  string `json:"mac_addr"`
}

type rxRecord struct {
	MacAddr     string        `json:"mac_addr"`
	RssiRecords []interface{} `json:"rssi_records"`
}

type nodeInfoRecord struct {
	Index   int    `json:"index"`
	NodeID  string `json:"node_id"`
	MacAddr string `json:"mac_addr"`
}

func main() {
	kingpin.Version("mercator-csv 1.0")
	kingpin.Parse()

	if _, err := os.Stat(*inPath); err != nil {
		fmt.Fprintf(os.Stderr, "mercator-csv: %v\n", err)
		os.Exit(1)
	}
	if _, err := os.Stat(*outPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "mercator-csv: %s already exists\n", *outPath)
		os.Exit(1)
	}

	if err := convert(*inPath, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "mercator-csv: %v\n", err)
		os.Exit(1)
	}
}

func readRecords(path string) ([]envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip stream: %w", err)
	}
	defer gz.Close()

	var records []envelope
	dec := json.NewDecoder(gz)
	for {
		var e envelope
		if err := dec.Decode(&e); err != nil {
			break
		}
		records = append(records, e)
	}
	return records, nil
}

// convert reads path and writes a CSV connectivity matrix to outPath,
// one row per (tx, rx) pair observed in each measurement step.
func convert(path, outPath string) error {
	records, err := readRecords(path)
	if err != nil {
		return err
	}

	var cfg config.File
	var nodesByMac = map[string]nodeInfoRecord{}
	haveConfig := false
	haveEndTime := false

	for _, e := range records {
		switch e.DataType {
		case "config":
			if err := json.Unmarshal(e.Data, &cfg); err != nil {
				return fmt.Errorf("decoding config record: %w", err)
			}
			haveConfig = true
		case "node_info":
			var n nodeInfoRecord
			if err := json.Unmarshal(e.Data, &n); err != nil {
				return fmt.Errorf("decoding node_info record: %w", err)
			}
			nodesByMac[n.MacAddr] = n
		case "end_time":
			haveEndTime = true
		}
	}
	if !haveConfig {
		return fmt.Errorf("invalid raw file: no config record found")
	}
	if !haveEndTime {
		return fmt.Errorf("invalid raw file: no end_time record found (run may not have finished)")
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	w := csv.NewWriter(out)
	defer w.Flush()
	if err := w.Write([]string{"datetime", "src", "dst", "channel", "mean_rssi", "pdr", "tx_count"}); err != nil {
		return err
	}

	txCount := cfg.Measurement.TxNumPerTransaction

	var pendingTx *txRecord
	for _, e := range records {
		switch e.DataType {
		case "tx":
			var tx txRecord
			if err := json.Unmarshal(e.Data, &tx); err != nil {
				return fmt.Errorf("decoding tx record: %w", err)
			}
			pendingTx = &tx
		case "rx":
			if pendingTx == nil {
				continue
			}
			var rx rxRecord
			if err := json.Unmarshal(e.Data, &rx); err != nil {
				return fmt.Errorf("decoding rx record: %w", err)
			}
			src := nodeLabel(nodesByMac, pendingTx.MacAddr)
			dst := nodeLabel(nodesByMac, rx.MacAddr)
			meanRSSI, pdr := computeMeanRSSIAndPDR(rx.RssiRecords, txCount)
			rssiField := ""
			if pdr > 0 {
				rssiField = fmt.Sprintf("%.2f", meanRSSI)
			}
			if err := w.Write([]string{
				pendingTx.Datetime,
				src,
				dst,
				fmt.Sprintf("%d", pendingTx.Channel),
				rssiField,
				fmt.Sprintf("%.4f", pdr),
				fmt.Sprintf("%d", txCount),
			}); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}

func nodeLabel(nodesByMac map[string]nodeInfoRecord, mac string) string {
	if n, ok := nodesByMac[mac]; ok {
		return fmt.Sprintf("%d", n.Index)
	}
	return mac
}

// computeMeanRSSIAndPDR averages the RSSI of slots marked valid and
// divides the valid count by the configured burst size.
func computeMeanRSSIAndPDR(records []interface{}, txCount int) (float64, float64) {
	if txCount == 0 {
		return 0, 0
	}
	var sum float64
	var n int
	for _, r := range records {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		valid, _ := m["Valid"].(bool)
		if !valid {
			continue
		}
		dbm, _ := m["Dbm"].(float64)
		sum += dbm
		n++
	}
	pdr := float64(n) / float64(txCount)
	if n == 0 {
		return 0, pdr
	}
	return sum / float64(n), pdr
}
