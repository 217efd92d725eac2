// Package config loads and validates the YAML run configuration.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// ErrConfig wraps any configuration problem detected before nodes
// attach.
var ErrConfig = errors.New("config: invalid configuration")

// Platform names the transport adapter to construct and carries
// whatever platform-specific settings that adapter needs (e.g. the
// serial device path and baud rate).
type Platform struct {
	Name   string                 `mapstructure:"name"`
	Serial SerialPlatform         `mapstructure:"serial"`
	Extra  map[string]interface{} `mapstructure:",remain"`
}

// SerialPlatform configures platform.Serial when Platform.Name ==
// "serial".
type SerialPlatform struct {
	Devices []string `mapstructure:"devices"`
	Baud    int      `mapstructure:"baud"`
	XonXoff bool     `mapstructure:"xonxoff"`
}

// Measurement holds the channel set, burst parameters, and transaction
// count of one run, mapped one-to-one from the YAML `measurement`
// block.
type Measurement struct {
	Channels            []int `mapstructure:"channels"`
	NumTransactionsNum  int   `mapstructure:"num_transactions_num"`
	TxPowerDbm          int   `mapstructure:"tx_power_dbm"`
	TxLen               int   `mapstructure:"tx_len"`
	TxNumPerTransaction int   `mapstructure:"tx_num_per_transaction"`
	TxIntervalMs        int   `mapstructure:"tx_interval_ms"`
	TxFillByte          int   `mapstructure:"tx_fill_byte"`
}

// File is the full merged configuration, as loaded from YAML and as
// written verbatim into the output file's leading "config" record.
type File struct {
	Platform    Platform    `mapstructure:"platform"`
	Measurement Measurement `mapstructure:"measurement"`
}

// Infinite reports whether NumTransactionsNum requests an unbounded
// run, expressed as a negative count.
func (m Measurement) Infinite() bool { return m.NumTransactionsNum < 0 }

// Load reads and validates the YAML file at path.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the invariants the controller and node engine rely
// on before any transport is opened.
func (f *File) Validate() error {
	if f.Platform.Name == "" {
		return fmt.Errorf("%w: platform.name is required", ErrConfig)
	}
	if len(f.Measurement.Channels) == 0 {
		return fmt.Errorf("%w: measurement.channels must be non-empty", ErrConfig)
	}
	for _, ch := range f.Measurement.Channels {
		if ch < 11 || ch > 26 {
			return fmt.Errorf("%w: channel %d outside the IEEE 802.15.4 2.4GHz range [11,26]", ErrConfig, ch)
		}
	}
	if f.Measurement.TxNumPerTransaction <= 0 {
		return fmt.Errorf("%w: measurement.tx_num_per_transaction must be positive", ErrConfig)
	}
	if f.Measurement.TxLen <= 0 || f.Measurement.TxLen > 127 {
		return fmt.Errorf("%w: measurement.tx_len must be in (0,127]", ErrConfig)
	}
	if f.Measurement.TxIntervalMs <= 0 {
		return fmt.Errorf("%w: measurement.tx_interval_ms must be positive", ErrConfig)
	}
	return nil
}
