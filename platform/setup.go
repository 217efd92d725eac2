package platform

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yatch/mercator/config"
	"github.com/yatch/mercator/node"
)

// SetupNodes constructs one node.Node per configured device,
// dispatching on cfg.Name.
func SetupNodes(cfg config.Platform, logger *zap.SugaredLogger) ([]*node.Node, error) {
	switch cfg.Name {
	case "serial":
		return setupSerialNodes(cfg.Serial, logger)
	case "memory":
		return nil, fmt.Errorf("platform %q has no devices of its own; construct nodes directly over transport.Memory in-process", cfg.Name)
	default:
		return nil, fmt.Errorf("platform: unsupported platform %q", cfg.Name)
	}
}

func setupSerialNodes(cfg config.SerialPlatform, logger *zap.SugaredLogger) ([]*node.Node, error) {
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("platform: serial platform requires at least one device")
	}
	nodes := make([]*node.Node, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		s, err := OpenSerial(dev, cfg.Baud, cfg.XonXoff)
		if err != nil {
			for _, n := range nodes {
				n.Close()
			}
			return nil, fmt.Errorf("platform: opening %s: %w", dev, err)
		}
		nodes = append(nodes, node.New(dev, s, logger))
	}
	return nodes, nil
}
