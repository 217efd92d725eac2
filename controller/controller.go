// Package controller implements the measurement controller: iterating
// (transaction, channel, tx-node), orchestrating the parallel
// start/stop of receivers around one transmitter, and persisting
// results.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yatch/mercator/config"
	"github.com/yatch/mercator/metrics"
	"github.com/yatch/mercator/node"
	"github.com/yatch/mercator/outfile"
)

// ErrStatusInvariant is returned when a pre-round status check finds a
// node that is not IDLE.
var ErrStatusInvariant = errors.New("controller: node is not idle")

// Controller drives the measurement schedule across a fixed set of
// nodes.
type Controller struct {
	nodes    []*node.Node
	cfg      config.Measurement
	sink     *outfile.Sink
	logger   *zap.SugaredLogger
	progress *metrics.Progress

	stopRequested atomic.Bool
}

// New builds a Controller over nodes, using cfg's channel list and
// burst parameters and persisting results to sink.
func New(nodes []*node.Node, cfg config.Measurement, sink *outfile.Sink, logger *zap.SugaredLogger, progress *metrics.Progress) *Controller {
	return &Controller{nodes: nodes, cfg: cfg, sink: sink, logger: logger, progress: progress}
}

// RequestStop asks the run to end after the in-flight measurement
// completes; a half-finished burst is never abandoned. Safe to call
// from a signal handler.
func (c *Controller) RequestStop() {
	c.stopRequested.Store(true)
	c.logger.Info("stop requested; finishing current measurement")
}

func (c *Controller) burstConfig() node.BurstConfig {
	return node.BurstConfig{
		TxPowerDbm:   int8(c.cfg.TxPowerDbm),
		TxLen:        byte(c.cfg.TxLen),
		TxNumPerTxn:  uint16(c.cfg.TxNumPerTransaction),
		TxIntervalMs: uint16(c.cfg.TxIntervalMs),
		TxFillByte:   byte(c.cfg.TxFillByte),
	}
}

// Run executes the full schedule: setup every node, then iterate
// trans_ctr × channel × tx-node until the configured count is reached
// or a stop is requested, writing tx/rx records as it goes. On a nil
// return (schedule completed or stop requested), node_info and end_time
// records have been written and the sink is flushed; an error return
// writes neither. The sink is never closed here: the caller owns Close
// on both paths.
func (c *Controller) Run(ctx context.Context) error {
	burst := c.burstConfig()
	for _, n := range c.nodes {
		if err := n.Setup(ctx, burst); err != nil {
			return fmt.Errorf("controller: setup %s: %w", n.ID, err)
		}
	}

	if err := c.sink.WriteData("start_time", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}

	if c.progress != nil {
		c.progress.SetPlanned(c.plannedSteps())
	}

	transCtr := 0
	for c.cfg.Infinite() || transCtr < c.cfg.NumTransactionsNum {
		for _, channel := range c.cfg.Channels {
			for txIdx := range c.nodes {
				if c.stopRequested.Load() {
					return c.finish()
				}
				if err := c.runStep(ctx, transCtr, channel, txIdx); err != nil {
					return err
				}
			}
		}
		transCtr++
	}
	return c.finish()
}

func (c *Controller) plannedSteps() int {
	if c.cfg.Infinite() {
		return 0
	}
	return c.cfg.NumTransactionsNum * len(c.cfg.Channels) * len(c.nodes)
}

// runStep performs one (trans_ctr, channel, tx_node) measurement:
// precondition check, RX barrier, TX burst, RX teardown barrier, and
// persistence.
func (c *Controller) runStep(ctx context.Context, transCtr, channel, txIdx int) error {
	if c.progress != nil {
		c.progress.BeginStep(transCtr, channel)
	}

	txNode := c.nodes[txIdx]
	var rxNodes []*node.Node
	for i, n := range c.nodes {
		if i != txIdx {
			rxNodes = append(rxNodes, n)
		}
	}

	if err := c.ensureAllIdle(ctx); err != nil {
		return err
	}

	startTime := time.Now()

	if err := c.startListening(ctx, rxNodes, txNode, channel, transCtr); err != nil {
		return err
	}

	if err := txNode.StartTX(ctx, byte(channel), uint16(transCtr)); err != nil {
		return fmt.Errorf("controller: start_tx on %s: %w", txNode.ID, err)
	}
	if err := txNode.WaitTXDone(ctx); err != nil {
		return fmt.Errorf("controller: wait_tx_done on %s: %w", txNode.ID, err)
	}

	rxResults, err := c.stopListening(ctx, rxNodes)
	if err != nil {
		return err
	}

	if err := c.saveStep(txNode, rxNodes, rxResults, startTime, transCtr, channel); err != nil {
		return err
	}

	if c.progress != nil {
		c.progress.EndStep()
	}
	return nil
}

func (c *Controller) ensureAllIdle(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range c.nodes {
		n := n
		g.Go(func() error { return n.UpdateStatus(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, n := range c.nodes {
		if n.Status() != node.StatusIdle {
			return fmt.Errorf("%w: node %s is %s", ErrStatusInvariant, n.ID, n.Status())
		}
	}
	return nil
}

func (c *Controller) startListening(ctx context.Context, rxNodes []*node.Node, txNode *node.Node, channel, transCtr int) error {
	// StartRX's context also governs the receive loop it spawns, so it
	// must outlive this barrier: an errgroup context is canceled as soon
	// as Wait returns.
	var g errgroup.Group
	for _, n := range rxNodes {
		n := n
		g.Go(func() error {
			return n.StartRX(ctx, byte(channel), txNode.MacAddr(), uint16(transCtr))
		})
	}
	return g.Wait()
}

func (c *Controller) stopListening(ctx context.Context, rxNodes []*node.Node) (map[string][]node.RssiSample, error) {
	results := make([]([]node.RssiSample), len(rxNodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range rxNodes {
		i, n := i, n
		g.Go(func() error {
			records, err := n.StopRX(gctx)
			if err != nil {
				return err
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string][]node.RssiSample, len(rxNodes))
	for i, n := range rxNodes {
		out[n.ID] = results[i]
	}
	return out, nil
}

func (c *Controller) saveStep(txNode *node.Node, rxNodes []*node.Node, rxResults map[string][]node.RssiSample, startTime time.Time, transCtr, channel int) error {
	if err := c.sink.WriteData("tx", map[string]interface{}{
		"datetime":  startTime.Format(time.RFC3339Nano),
		"trans_ctr": transCtr,
		"channel":   channel,
		"mac_addr":  fmt.Sprintf("%#x", txNode.MacAddr()),
	}); err != nil {
		return err
	}
	for _, n := range rxNodes {
		if err := c.sink.WriteData("rx", map[string]interface{}{
			"mac_addr":     fmt.Sprintf("%#x", n.MacAddr()),
			"rssi_records": rxResults[n.ID],
		}); err != nil {
			return err
		}
	}
	return c.sink.Flush()
}

// finish writes the node_info and end_time records that close out the
// output file's record ordering.
func (c *Controller) finish() error {
	for i, n := range c.nodes {
		if err := c.sink.WriteData("node_info", map[string]interface{}{
			"index":    i,
			"node_id":  n.ID,
			"mac_addr": fmt.Sprintf("%#x", n.MacAddr()),
		}); err != nil {
			return err
		}
	}
	if err := c.sink.WriteData("end_time", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	return c.sink.Flush()
}
