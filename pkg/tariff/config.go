package tariff

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Config holds the tariff schedule plus where it came from.
type Config struct {
	file  string
	table Table
}

// Configured sets up flags for the tariff schedule and returns the instance.
// It uses lflag to register command-line flags for configuration.
func Configured() *Config {
	c := &Config{}
	file := lflag.String("tariff-file", "", "optional path to a YAML file overriding the built-in tariff schedule")
	lflag.Do(func() {
		c.file = *file
	})
	return c
}

// NewStatic wraps an already-built schedule, bypassing flags.
func NewStatic(t Table) *Config {
	return &Config{table: t}
}

// Validate loads and checks the schedule.
func (c *Config) Validate() error {
	if c.file == "" {
		c.table = Default()
		return nil
	}
	t, err := LoadFile(c.file)
	if err != nil {
		return fmt.Errorf("loading tariff schedule: %w", err)
	}
	c.table = t
	return nil
}

// Table returns the loaded schedule.
func (c *Config) Table() Table {
	return c.table
}
