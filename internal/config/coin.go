package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml"

	"github.com/bardlex/gompcore/pkg/errors"
)

// Coin is a coin definition file:
//
//	name = "Vertcoin"
//	symbol = "VTC"
//	algorithm = "scrypt-n"
//
//	[time_table]
//	"2048" = 1389306217
//
//	[[recipients]]
//	address = "..."
//	percent = 1.0
type Coin struct {
	Name         string           `toml:"name"`
	Symbol       string           `toml:"symbol"`
	Algorithm    string           `toml:"algorithm"`
	Network      string           `toml:"network"`
	VerthashData string           `toml:"verthash_data"`
	TimeTable    map[string]int64 `toml:"time_table"`
	Recipients   []CoinRecipient  `toml:"recipients"`
}

type CoinRecipient struct {
	Address string  `toml:"address"`
	Percent float64 `toml:"percent"`
}

// LoadCoin reads and checks a coin definition.
func LoadCoin(path string) (*Coin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_coin", "failed to read coin file").
			WithContext("path", path)
	}
	var coin Coin
	if err := toml.Unmarshal(data, &coin); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_coin", "failed to parse coin file").
			WithContext("path", path)
	}
	if coin.Name == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "load_coin", "coin name is required").
			WithContext("path", path)
	}
	if _, err := coin.NTable(); err != nil {
		return nil, err
	}
	return &coin, nil
}

// NTable converts the time table keys to scrypt N values.
func (c *Coin) NTable() (map[uint64]int64, error) {
	if len(c.TimeTable) == 0 {
		return nil, nil
	}
	table := make(map[uint64]int64, len(c.TimeTable))
	for k, ts := range c.TimeTable {
		n, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_coin", fmt.Sprintf("invalid time table key %q", k))
		}
		table[n] = ts
	}
	return table, nil
}
