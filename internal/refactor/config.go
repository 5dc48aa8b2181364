package refactor

import (
	"fmt"
	"runtime"

	dtkerrors "dtk/internal/errors"
)

// Config bounds one refactor session. Validate runs at session start;
// an invalid config never reaches the state machine.
type Config struct {
	TargetComplexity int  `json:"targetComplexity"`
	MaxFunctionLines int  `json:"maxFunctionLines"`
	RemoveSatd       bool `json:"removeSatd"`
	ParallelWorkers  int  `json:"parallelWorkers"`
	MemoryLimitMB    int  `json:"memoryLimitMb"`
	BatchSize        int  `json:"batchSize"`
	MaxRuntimeSec    int  `json:"maxRuntimeSec"`
	AutoCommit       bool `json:"autoCommit"`
}

// DefaultConfig mirrors the defaults of `refactor serve` with no flags.
func DefaultConfig() Config {
	workers := 2
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	return Config{
		TargetComplexity: 10,
		MaxFunctionLines: 50,
		ParallelWorkers:  workers,
		MemoryLimitMB:    512,
		BatchSize:        10,
		MaxRuntimeSec:    3600,
	}
}

// Validate rejects non-positive bounds and worker counts beyond the
// host's parallelism.
func (c Config) Validate() error {
	check := func(name string, v int) error {
		if v <= 0 {
			return dtkerrors.NewValidation(name, fmt.Sprintf("must be positive, got %d", v))
		}
		return nil
	}
	if err := check("target_complexity", c.TargetComplexity); err != nil {
		return err
	}
	if err := check("max_function_lines", c.MaxFunctionLines); err != nil {
		return err
	}
	if err := check("parallel_workers", c.ParallelWorkers); err != nil {
		return err
	}
	if err := check("memory_limit_mb", c.MemoryLimitMB); err != nil {
		return err
	}
	if err := check("batch_size", c.BatchSize); err != nil {
		return err
	}
	if err := check("max_runtime_sec", c.MaxRuntimeSec); err != nil {
		return err
	}
	if max := runtime.NumCPU(); c.ParallelWorkers > max {
		return dtkerrors.NewValidation("parallel_workers",
			fmt.Sprintf("%d exceeds available parallelism %d", c.ParallelWorkers, max))
	}
	return nil
}
