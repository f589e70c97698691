package vm

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ---------------------------------------------------------------------------
// Engine options
// ---------------------------------------------------------------------------

// Options holds tunable engine parameters, loadable from a roux.toml.
type Options struct {
	// StackSlack is the extra operand-stack headroom reserved beyond a code
	// object's declared need.
	StackSlack int `toml:"stack_slack"`
	// InterruptInterval is the number of instructions between interrupt
	// flag checks.
	InterruptInterval int `toml:"interrupt_interval"`
	// Trace enables per-instruction debug logging.
	Trace bool `toml:"trace"`
	// CachePath points at the compiled-code cache database, empty for none.
	CachePath string `toml:"cache_path"`
}

// DefaultOptions returns the standard engine parameters.
func DefaultOptions() Options {
	return Options{
		StackSlack:        8,
		InterruptInterval: 1000,
	}
}

// LoadOptions reads options from a TOML file, filling unset fields with
// defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options: %w", err)
	}
	if err := toml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options: %w", err)
	}
	if opts.StackSlack <= 0 {
		opts.StackSlack = DefaultOptions().StackSlack
	}
	if opts.InterruptInterval <= 0 {
		opts.InterruptInterval = DefaultOptions().InterruptInterval
	}
	return opts, nil
}
