// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package machineconfig holds the per-handle configuration needed to boot
// and supervise a single guest: the emulator binary, its resources, and a
// set of timeouts.
package machineconfig

import (
	"fmt"
	"time"

	"vmtestdriver/pkg/config"
	"vmtestdriver/pkg/osutil"
)

// Timeouts parametrizes the time budgets used throughout the handle.
// Kept separate from Config so that callers can override just the timing
// knobs (e.g. a slower CI runner) without touching resource sizing.
// Timeouts is not loaded from JSON, and the vm package does not read it:
// the wait_* operations use retry.DefaultTimeout, and Machine.Start and
// Machine.Shutdown wait without a deadline.
type Timeouts struct {
	// Boot is how long to wait for the first monitor prompt.
	Boot time.Duration
	// Retry is the default budget handed to pkg/retry by the wait_* family.
	Retry time.Duration
	// Shutdown is how long to wait for the guest to power off gracefully.
	Shutdown time.Duration
}

func defaultTimeouts() Timeouts {
	return Timeouts{
		Boot:     5 * time.Minute,
		Retry:    900 * time.Second,
		Shutdown: time.Minute,
	}
}

// Config is the JSON-loadable configuration for one Machine Handle.
type Config struct {
	// Qemu is the emulator binary name or path (default: qemu-system-x86_64).
	Qemu string `json:"qemu"`
	// CPU is the number of virtual CPUs (default: 1).
	CPU int `json:"cpu"`
	// Mem is the amount of guest memory in MiB (default: 1024).
	Mem int `json:"mem"`
	// Image is the disk image passed to -drive (optional if Kernel is set).
	Image string `json:"image,omitempty"`
	// Kernel is a path to a kernel image for direct boot (optional).
	Kernel string `json:"kernel,omitempty"`
	// ExtraArgs is appended verbatim to the emulator argv, mirroring the
	// QEMU_OPTS environment variable the original driver reads.
	ExtraArgs []string `json:"extra_args,omitempty"`
	// AllowReboot permits the guest to reboot without the driver treating
	// that as a machine-state transition to shut.
	AllowReboot bool `json:"allow_reboot,omitempty"`
	// KeepState preserves state_dir across restarts of the same handle.
	KeepState bool `json:"keep_state,omitempty"`

	Timeouts Timeouts `json:"-"`
}

func defaultValues() *Config {
	return &Config{
		Qemu: "qemu-system-x86_64",
		CPU:  1,
		Mem:  1024,
	}
}

// LoadData parses data into a Config, applying defaults first and validating
// the result with Complete.
func LoadData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is LoadData reading from a file.
func LoadFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Complete validates the config and fills in derived fields. Exported so
// that callers building a Config by hand (tests, embedders) get the same
// validation and path normalization as the JSON path.
func (cfg *Config) Complete() error {
	if cfg.Qemu == "" {
		return fmt.Errorf("machineconfig: qemu binary must not be empty")
	}
	if cfg.CPU <= 0 || cfg.CPU > 1024 {
		return fmt.Errorf("machineconfig: bad cpu count %v, want [1, 1024]", cfg.CPU)
	}
	if cfg.Mem < 128 || cfg.Mem > 1<<20 {
		return fmt.Errorf("machineconfig: bad mem %vMiB, want [128, %v]", cfg.Mem, 1<<20)
	}
	if cfg.Image == "" && cfg.Kernel == "" {
		return fmt.Errorf("machineconfig: one of image or kernel must be set")
	}
	if cfg.Image != "" {
		cfg.Image = osutil.Abs(cfg.Image)
	}
	if cfg.Kernel != "" {
		cfg.Kernel = osutil.Abs(cfg.Kernel)
	}
	if (cfg.Timeouts == Timeouts{}) {
		cfg.Timeouts = defaultTimeouts()
	}
	return nil
}
