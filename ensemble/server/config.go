package server

import (
	"fmt"
	"time"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
	"github.com/ensemble-stats/ensemble-stats/ensemble/checkpoint"
	"github.com/ensemble-stats/ensemble-stats/ensemble/partition"
	"github.com/ensemble-stats/ensemble-stats/ensemble/sobol"
)

// Default intervals used when the corresponding Config field is zero.
const (
	DefaultTimeout       = 5 * time.Minute
	DefaultSweepInterval = 10 * time.Second
)

// Config holds the study-wide settings of one server rank. Every rank of a
// study MUST share the same Config except for Rank and Node.
type Config struct {
	Rank      int    // this server rank, the consumer index in every partition
	Consumers int    // number of server ranks
	Node      string // node identifier reported in SERVER notifications

	TimeSteps int
	Stats     accum.Config
	Sobol     sobol.Method // 0 disables Sobol indices
	Params    int          // number of varied parameters of a Sobol study

	// ConvergenceThreshold stops the study once every Sobol confidence
	// interval is narrower. 0 disables early termination.
	ConvergenceThreshold float64

	Mode partition.Mode

	Timeout       time.Duration // silence window before a simulation times out
	SweepInterval time.Duration // period of the liveness sweep

	// CheckpointDir enables checkpointing when non-empty.
	CheckpointDir      string
	CheckpointInterval time.Duration // 0 checkpoints only at exit
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Consumers < 1 {
		return fmt.Errorf("consumer count must be >= 1, got %d", c.Consumers)
	}
	if c.Rank < 0 || c.Rank >= c.Consumers {
		return fmt.Errorf("rank %d out of range [0,%d)", c.Rank, c.Consumers)
	}
	if c.TimeSteps < 1 {
		return fmt.Errorf("time steps must be >= 1, got %d", c.TimeSteps)
	}
	if err := c.Stats.Validate(); err != nil {
		return err
	}
	if c.Sobol != 0 {
		if c.Sobol != sobol.Martinez && c.Sobol != sobol.Jansen {
			return fmt.Errorf("unknown sobol method %v", c.Sobol)
		}
		if c.Params < 1 {
			return fmt.Errorf("sobol study needs >= 1 parameter, got %d", c.Params)
		}
	}
	if c.ConvergenceThreshold < 0 {
		return fmt.Errorf("convergence threshold must be >= 0, got %v", c.ConvergenceThreshold)
	}
	if c.Timeout < 0 || c.SweepInterval < 0 || c.CheckpointInterval < 0 {
		return fmt.Errorf("intervals must be >= 0")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return nil
}

// Vectors returns the number of vectors in every data message: the baseline,
// or for Sobol studies the two baselines and one perturbed output per
// parameter.
func (c *Config) Vectors() int {
	if c.Sobol == 0 {
		return 1
	}
	return c.Params + 2
}

// Layout returns the checkpoint fingerprint of the configuration.
func (c *Config) Layout() checkpoint.Layout {
	l := checkpoint.Layout{TimeSteps: c.TimeSteps, Stats: c.Stats, Sobol: c.Sobol}
	if c.Sobol != 0 {
		l.Params = c.Params
	}
	return l
}
