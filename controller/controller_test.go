package controller

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yatch/mercator/config"
	"github.com/yatch/mercator/hdlc"
	"github.com/yatch/mercator/node"
	"github.com/yatch/mercator/outfile"
	"github.com/yatch/mercator/protocol"
	"github.com/yatch/mercator/transport"
)

func respSTBody(status byte, mac uint64) []byte {
	b := make([]byte, 12)
	b[0] = byte(protocol.RespST)
	b[1] = status
	binary.BigEndian.PutUint64(b[4:12], mac)
	return b
}

func indRXBody(length byte, rssi int8, flags byte, pkctr uint16) []byte {
	b := make([]byte, 6)
	b[0] = byte(protocol.IndRX)
	b[1] = length
	b[2] = byte(rssi)
	b[3] = flags
	binary.BigEndian.PutUint16(b[4:6], pkctr)
	return b
}

func pushFrame(mem *transport.Memory, body []byte) {
	frame, err := hdlc.HDLCify(body)
	if err != nil {
		panic(err)
	}
	mem.Push(frame)
}

// fakeFirmware is a scripted responder goroutine standing in for a
// node's real radio firmware: it reacts to whatever was sent to mem
// with the replies the node protocol engine expects.
func fakeFirmware(ctx context.Context, mem *transport.Memory, mac uint64, burstLen int) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-mem.Sent():
			if !ok {
				return
			}
			body, err := hdlc.DeHDLCify(raw)
			if err != nil {
				continue
			}
			msg, err := protocol.Parse(body)
			if err != nil {
				continue
			}
			switch msg.Kind {
			case protocol.ReqST:
				pushFrame(mem, respSTBody(byte(node.StatusIdle), mac))
			case protocol.ReqIdle:
				pushFrame(mem, []byte{byte(protocol.RespIdle)})
			case protocol.ReqTX:
				pushFrame(mem, []byte{byte(protocol.RespTX)})
				go func() {
					time.Sleep(2 * time.Millisecond)
					pushFrame(mem, []byte{byte(protocol.IndTXDone)})
				}()
			case protocol.ReqRX:
				pushFrame(mem, []byte{byte(protocol.RespRX)})
				go func() {
					for i := 0; i < burstLen; i++ {
						pushFrame(mem, indRXBody(20, int8(-40-i), protocol.ExpectedFlags, uint16(i)))
						time.Sleep(time.Millisecond)
					}
				}()
			}
		}
	}
}

func TestControllerRunProducesOrderedRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memA := transport.NewMemory(false)
	memB := transport.NewMemory(false)
	go fakeFirmware(ctx, memA, 0xAAAA, 3)
	go fakeFirmware(ctx, memB, 0xBBBB, 3)

	logger := zap.NewNop().Sugar()
	nodeA := node.New("a", memA, logger)
	nodeB := node.New("b", memB, logger)

	cfg := config.Measurement{
		Channels:            []int{11},
		NumTransactionsNum:  1,
		TxPowerDbm:          -4,
		TxLen:               20,
		TxNumPerTransaction: 3,
		TxIntervalMs:        1,
		TxFillByte:          0xAA,
	}

	path := filepath.Join(t.TempDir(), "out.jsonl.gz")
	sink, err := outfile.Open(path, cfg, false)
	if err != nil {
		t.Fatalf("outfile.Open: %v", err)
	}

	c := New([]*node.Node{nodeA, nodeB}, cfg, sink, logger, nil)

	runCtx, cancelRun := context.WithTimeout(ctx, 5*time.Second)
	defer cancelRun()
	if err := c.Run(runCtx); err != nil {
		sink.Close()
		t.Fatalf("Run: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	var lines []map[string]interface{}
	dec := json.NewDecoder(gz)
	for {
		var rec map[string]interface{}
		if err := dec.Decode(&rec); err != nil {
			break
		}
		lines = append(lines, rec)
	}

	if lines[0]["data_type"] != "config" {
		t.Errorf("lines[0] = %v, want config", lines[0])
	}
	if lines[1]["data_type"] != "start_time" {
		t.Errorf("lines[1] = %v, want start_time", lines[1])
	}
	last := lines[len(lines)-1]
	if last["data_type"] != "end_time" {
		t.Errorf("last record = %v, want end_time", last)
	}

	// One channel, two tx-node choices, one transaction: exactly two
	// tx records, each immediately followed by one rx record (N-1=1).
	var txCount, rxCount int
	for i, l := range lines {
		switch l["data_type"] {
		case "tx":
			txCount++
			if i+1 >= len(lines) || lines[i+1]["data_type"] != "rx" {
				t.Errorf("tx record at %d not immediately followed by rx", i)
			}
		case "rx":
			rxCount++
			data := l["data"].(map[string]interface{})
			records, ok := data["rssi_records"].([]interface{})
			if !ok {
				t.Fatalf("rssi_records missing or wrong type: %v", data)
			}
			if len(records) != cfg.TxNumPerTransaction {
				t.Errorf("len(rssi_records) = %d, want %d", len(records), cfg.TxNumPerTransaction)
			}
		}
	}
	if txCount != 2 || rxCount != 2 {
		t.Errorf("txCount=%d rxCount=%d, want 2 and 2", txCount, rxCount)
	}
}

func TestControllerStopRequestEndsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memA := transport.NewMemory(false)
	memB := transport.NewMemory(false)
	go fakeFirmware(ctx, memA, 0xAAAA, 3)
	go fakeFirmware(ctx, memB, 0xBBBB, 3)

	logger := zap.NewNop().Sugar()
	nodeA := node.New("a", memA, logger)
	nodeB := node.New("b", memB, logger)

	cfg := config.Measurement{
		Channels:            []int{11, 15},
		NumTransactionsNum:  -1, // infinite, stopped cooperatively
		TxPowerDbm:          -4,
		TxLen:               20,
		TxNumPerTransaction: 2,
		TxIntervalMs:        1,
		TxFillByte:          0xAA,
	}

	path := filepath.Join(t.TempDir(), "out.jsonl.gz")
	sink, err := outfile.Open(path, cfg, false)
	if err != nil {
		t.Fatalf("outfile.Open: %v", err)
	}

	c := New([]*node.Node{nodeA, nodeB}, cfg, sink, logger, nil)

	done := make(chan error, 1)
	runCtx, cancelRun := context.WithTimeout(ctx, 5*time.Second)
	defer cancelRun()
	go func() { done <- c.Run(runCtx) }()

	time.Sleep(20 * time.Millisecond)
	c.RequestStop()

	if err := <-done; err != nil {
		sink.Close()
		t.Fatalf("Run: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
