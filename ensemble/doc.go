// Package ensemble provides the core of the online statistics server for
// ensemble simulation studies.
//
// # Reading Guide
//
// Start with these packages to understand the data path:
//   - partition/: maps a field distributed over producer ranks onto consumer ranks
//   - accum/: incremental statistics folded in one sample at a time
//   - server/: the per-rank context object and its sequential message loop
//
// # Architecture
//
// A study streams time-stepped field vectors from many independent simulations.
// Each server rank owns a contiguous slice of every field and never stores full
// trajectories; it keeps only fixed-memory accumulators:
//   - ensemble/partition: VectorPartitioner (routing plan per field)
//   - ensemble/accum: Moments, Variance, Covariance, MinMax, Threshold, Quantile
//   - ensemble/sobol: Sobol sensitivity indices (Martinez or Jansen)
//   - ensemble/registry: per-simulation state machine and step bitmaps
//   - ensemble/wire: binary message codecs
//   - ensemble/checkpoint: binary snapshots for restart
//   - ensemble/transport/kafka: Kafka source and notifier
//
// The message loop is strictly sequential: one message is fully applied to all
// affected accumulators before the next one is read.
package ensemble
