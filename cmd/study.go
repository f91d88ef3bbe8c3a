package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
	"github.com/ensemble-stats/ensemble-stats/ensemble/partition"
	"github.com/ensemble-stats/ensemble-stats/ensemble/server"
	"github.com/ensemble-stats/ensemble-stats/ensemble/sobol"
)

// Study is the study file shared by every server rank and the launcher.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Study struct {
	Name        string           `yaml:"name"`
	TimeSteps   int              `yaml:"time_steps"`
	Simulations int              `yaml:"simulations"` // expected group count, sizes the quantile gain
	Statistics  StatisticsConfig `yaml:"statistics"`
	Sobol       SobolConfig      `yaml:"sobol"`
	Routing     string           `yaml:"routing"`
	Fields      []FieldConfig    `yaml:"fields"`
	Server      ServerSettings   `yaml:"server"`
	Kafka       KafkaConfig      `yaml:"kafka"`
}

type StatisticsConfig struct {
	Mean       bool      `yaml:"mean"`
	Variance   bool      `yaml:"variance"`
	Skewness   bool      `yaml:"skewness"`
	Kurtosis   bool      `yaml:"kurtosis"`
	MinMax     bool      `yaml:"min_max"`
	Thresholds []float64 `yaml:"thresholds"`
	Quantiles  []float64 `yaml:"quantiles"`
}

type SobolConfig struct {
	Method               string  `yaml:"method"` // empty disables Sobol indices
	Parameters           int     `yaml:"parameters"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
}

// FieldConfig declares a field and how its global vector is split over the
// simulation's producer ranks.
type FieldConfig struct {
	Name      string `yaml:"name"`
	Size      int    `yaml:"size"`
	Producers []int  `yaml:"producers"`
}

type ServerSettings struct {
	Timeout            time.Duration `yaml:"timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	CheckpointDir      string        `yaml:"checkpoint_dir"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// loadStudy reads and validates a study file.
func loadStudy(path string) (*Study, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading study file: %w", err)
	}
	return parseStudy(data)
}

// parseStudy decodes a study with strict field checking: typos must cause errors.
func parseStudy(data []byte) (*Study, error) {
	var st Study
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&st); err != nil {
		return nil, fmt.Errorf("parsing study YAML: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return &st, nil
}

// Validate checks the study-wide settings. Rank-level settings are checked
// by server.Config.Validate.
func (st *Study) Validate() error {
	if st.Name == "" {
		return fmt.Errorf("study name is required")
	}
	if st.TimeSteps < 1 {
		return fmt.Errorf("time_steps must be >= 1, got %d", st.TimeSteps)
	}
	if len(st.Statistics.Quantiles) > 0 && st.Simulations < 1 {
		return fmt.Errorf("quantiles need simulations >= 1, got %d", st.Simulations)
	}
	if _, err := st.method(); err != nil {
		return err
	}
	if _, err := partition.ParseMode(st.routingName()); err != nil {
		return err
	}
	if len(st.Fields) == 0 {
		return fmt.Errorf("at least one field is required")
	}
	seen := make(map[string]bool, len(st.Fields))
	for _, f := range st.Fields {
		if f.Name == "" || strings.ContainsAny(f.Name, `/\`) {
			return fmt.Errorf("invalid field name %q", f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("field %q declared twice", f.Name)
		}
		seen[f.Name] = true
		if f.Size < 1 || len(f.Producers) == 0 {
			return fmt.Errorf("field %q: size and producers are required", f.Name)
		}
		total := 0
		for _, n := range f.Producers {
			total += n
		}
		if total != f.Size {
			return fmt.Errorf("field %q: producer sizes sum to %d, want %d", f.Name, total, f.Size)
		}
	}
	return nil
}

func (st *Study) method() (sobol.Method, error) {
	if st.Sobol.Method == "" {
		return 0, nil
	}
	return sobol.ParseMethod(st.Sobol.Method)
}

func (st *Study) routingName() string {
	if st.Routing == "" {
		return partition.Distributed.String()
	}
	return st.Routing
}

// ServerConfig builds the configuration of one server rank.
func (st *Study) ServerConfig(rank, consumers int, node string) (server.Config, error) {
	method, err := st.method()
	if err != nil {
		return server.Config{}, err
	}
	mode, err := partition.ParseMode(st.routingName())
	if err != nil {
		return server.Config{}, err
	}
	maxSamples := st.Simulations
	if method != 0 {
		// Both baselines of a group are folded.
		maxSamples *= 2
	}
	cfg := server.Config{
		Rank:      rank,
		Consumers: consumers,
		Node:      node,
		TimeSteps: st.TimeSteps,
		Stats: accum.Config{
			Mean:               st.Statistics.Mean,
			Variance:           st.Statistics.Variance,
			Skewness:           st.Statistics.Skewness,
			Kurtosis:           st.Statistics.Kurtosis,
			MinMax:             st.Statistics.MinMax,
			Thresholds:         st.Statistics.Thresholds,
			Quantiles:          st.Statistics.Quantiles,
			QuantileMaxSamples: maxSamples,
		},
		Sobol:                method,
		ConvergenceThreshold: st.Sobol.ConvergenceThreshold,
		Mode:                 mode,
		Timeout:              st.Server.Timeout,
		SweepInterval:        st.Server.SweepInterval,
		CheckpointDir:        st.Server.CheckpointDir,
		CheckpointInterval:   st.Server.CheckpointInterval,
	}
	if method != 0 {
		cfg.Params = st.Sobol.Parameters
	}
	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

// registerFields declares every study field on srv.
func (st *Study) registerFields(srv *server.Server) error {
	for _, f := range st.Fields {
		if err := srv.RegisterField(f.Name, f.Size, f.Producers); err != nil {
			return err
		}
	}
	return nil
}
