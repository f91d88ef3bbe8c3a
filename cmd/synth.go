package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ensemble-stats/ensemble-stats/ensemble"
	"github.com/ensemble-stats/ensemble-stats/ensemble/client"
	"github.com/ensemble-stats/ensemble-stats/ensemble/partition"
	"github.com/ensemble-stats/ensemble-stats/ensemble/server"
	"github.com/ensemble-stats/ensemble-stats/ensemble/transport/kafka"
	"github.com/ensemble-stats/ensemble-stats/ensemble/wire"
)

// Ishigami coefficients and the analytic indices they give.
const (
	ishigamiA = 7.0
	ishigamiB = 0.1
)

var (
	ishigamiFirst = []float64{0.3139, 0.4424, 0}
	ishigamiTotal = []float64{0.5576, 0.4424, 0.2437}
)

const synthField = "y"

// synthOptions sizes a synthetic study.
type synthOptions struct {
	Simulations int
	Consumers   int
	Producers   int
	Size        int
	Steps       int
	Seed        int64
	Method      string
	Noise       float64 // standard deviation of per-producer measurement noise
}

var synthOpts synthOptions
var synthBrokers []string

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Run a synthetic Ishigami study through the full statistics pipeline",
	Long: `synth draws pick-freeze groups of the Ishigami function, routes a
distributed output field from every producer rank to every server rank, and
prints the Sobol indices and moments the servers computed. With --brokers the
messages are published to Kafka for running serve ranks instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(synthBrokers) > 0 {
			if err := publishSynth(context.Background(), synthOpts, synthBrokers); err != nil {
				logrus.Fatalf("Failed to publish synthetic study: %v", err)
			}
			return
		}
		report, err := runSynth(context.Background(), synthOpts)
		if err != nil {
			logrus.Fatalf("Synthetic study failed: %v", err)
		}
		report.Print(os.Stdout, synthOpts)
	},
}

func init() {
	synthCmd.Flags().IntVar(&synthOpts.Simulations, "simulations", 5000, "Number of pick-freeze groups")
	synthCmd.Flags().IntVar(&synthOpts.Consumers, "consumers", 2, "Number of server ranks")
	synthCmd.Flags().IntVar(&synthOpts.Producers, "producers", 3, "Number of producer ranks per simulation")
	synthCmd.Flags().IntVar(&synthOpts.Size, "size", 16, "Global size of the output field")
	synthCmd.Flags().IntVar(&synthOpts.Steps, "steps", 1, "Number of time steps")
	synthCmd.Flags().Int64Var(&synthOpts.Seed, "seed", 42, "Seed for parameter draws")
	synthCmd.Flags().StringVar(&synthOpts.Method, "method", "martinez", "Sobol method (martinez, jansen)")
	synthCmd.Flags().Float64Var(&synthOpts.Noise, "noise", 0, "Standard deviation of the measurement noise each producer adds")
	synthCmd.Flags().StringSliceVar(&synthBrokers, "brokers", nil, "Publish to Kafka instead of running in-process")
}

// study describes the synthetic study as a study file would.
func (o synthOptions) study() *Study {
	return &Study{
		Name:        "ishigami",
		TimeSteps:   o.Steps,
		Simulations: o.Simulations,
		Statistics: StatisticsConfig{
			Mean:      true,
			Variance:  true,
			MinMax:    true,
			Quantiles: []float64{0.5},
		},
		Sobol:  SobolConfig{Method: o.Method, Parameters: 3},
		Fields: []FieldConfig{{Name: synthField, Size: o.Size, Producers: partition.ConsumerSizes(o.Size, o.Producers)}},
	}
}

// ishigami evaluates the Ishigami function at x.
func ishigami(x []float64) float64 {
	s := math.Sin(x[1])
	return math.Sin(x[0]) + ishigamiA*s*s + ishigamiB*math.Pow(x[2], 4)*math.Sin(x[0])
}

// field spreads a scalar output over the field; the per-element shift leaves
// the indices unchanged.
func field(y float64, size, step int) []float64 {
	v := make([]float64, size)
	for i := range v {
		v[i] = y + 0.01*float64(i) + float64(step)
	}
	return v
}

// synthSink receives the messages of a synthetic study.
type synthSink interface {
	announce(ctx context.Context, job wire.Job) error
	deliver(ctx context.Context, consumer, producer int, payload []byte) error
}

// generate draws every group and pushes its job and data messages to sink.
func generate(ctx context.Context, o synthOptions, fp *partition.FieldPartition, sink synthSink) error {
	streams := ensemble.NewStreams(o.Seed)
	for sim := int32(0); sim < int32(o.Simulations); sim++ {
		vectors := group(streams.Parameters())
		job := wire.Job{SimulationID: sim, JobID: fmt.Sprintf("ishigami-%d", sim), Parameters: vectors.params}
		if err := sink.announce(ctx, job); err != nil {
			return err
		}
		for step := 0; step < o.Steps; step++ {
			global := make([][]float64, len(vectors.outputs))
			for k, y := range vectors.outputs {
				global[k] = field(y, o.Size, step)
			}
			for p := 0; p < fp.Producers(); p++ {
				cl := client.New(sim, p)
				cl.Register(fp)
				start := fp.ProducerStart(p)
				local := make([][]float64, len(global))
				for k, v := range global {
					local[k] = v[start : start+fp.ProducerSizes[p]]
					if o.Noise > 0 {
						ensemble.AddNoise(streams.Noise(p), local[k], o.Noise)
					}
				}
				out, err := cl.Messages(synthField, step, local)
				if err != nil {
					return err
				}
				for _, m := range out {
					if err := sink.deliver(ctx, m.Consumer, p, m.Payload); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

type pickFreeze struct {
	params  []float64 // parameters of baseline A
	outputs []float64 // A, B, then A with parameter k taken from B
}

func group(rng *rand.Rand) pickFreeze {
	xa := ensemble.UniformVector(rng, 3, -math.Pi, math.Pi)
	xb := ensemble.UniformVector(rng, 3, -math.Pi, math.Pi)
	out := []float64{ishigami(xa), ishigami(xb)}
	for k := range xa {
		xc := append([]float64(nil), xa...)
		xc[k] = xb[k]
		out = append(out, ishigami(xc))
	}
	return pickFreeze{params: xa, outputs: out}
}

// === In-process study ===

// localRanks delivers straight to in-process server ranks.
type localRanks struct {
	servers []*server.Server
}

func (l *localRanks) announce(ctx context.Context, job wire.Job) error {
	buf := wire.Encode(job)
	for _, s := range l.servers {
		if err := s.HandleControl(ctx, buf); err != nil {
			return err
		}
	}
	return nil
}

func (l *localRanks) deliver(ctx context.Context, consumer, _ int, payload []byte) error {
	return l.servers[consumer].HandleData(ctx, payload)
}

// synthReport summarizes what the server ranks computed, averaged over the
// field elements at the last time step.
type synthReport struct {
	FirstOrder []float64
	TotalOrder []float64
	Interval   float64 // worst reported interval width, NaN without one
	Mean       float64
	Variance   float64
	Median     float64
	Completed  int // simulations fully processed on every rank
}

// runSynth runs the synthetic study over in-process server ranks.
func runSynth(ctx context.Context, o synthOptions) (*synthReport, error) {
	st := o.study()
	if err := st.Validate(); err != nil {
		return nil, err
	}
	var intervals []float64
	notifier := server.NotifierFunc(func(_ context.Context, msg wire.Message) error {
		if ci, ok := msg.(wire.ConfidenceInterval); ok {
			intervals = append(intervals, ci.Value)
		}
		return nil
	})
	ranks := &localRanks{}
	for r := 0; r < o.Consumers; r++ {
		cfg, err := st.ServerConfig(r, o.Consumers, "synth")
		if err != nil {
			return nil, err
		}
		srv, err := server.New(cfg, notifier)
		if err != nil {
			return nil, err
		}
		if err := st.registerFields(srv); err != nil {
			return nil, err
		}
		ranks.servers = append(ranks.servers, srv)
	}
	fp, err := ranks.servers[0].Partition(synthField)
	if err != nil {
		return nil, err
	}
	if err := generate(ctx, o, fp, ranks); err != nil {
		return nil, err
	}
	return collect(ctx, ranks.servers, o.Steps-1, &intervals)
}

// collect gathers every rank's slice of the results at step and averages
// them over the field.
func collect(ctx context.Context, servers []*server.Server, step int, intervals *[]float64) (*synthReport, error) {
	gather := func(which server.Statistic, index int) ([]float64, error) {
		var all []float64
		for _, s := range servers {
			part, err := s.Result(synthField, step, which, index)
			if err != nil {
				return nil, err
			}
			all = append(all, part...)
		}
		return all, nil
	}
	rep := &synthReport{Interval: math.NaN(), Completed: math.MaxInt}
	for p := 0; p < 3; p++ {
		first, err := gather(server.StatFirstOrder, p)
		if err != nil {
			return nil, err
		}
		total, err := gather(server.StatTotalOrder, p)
		if err != nil {
			return nil, err
		}
		rep.FirstOrder = append(rep.FirstOrder, stat.Mean(first, nil))
		rep.TotalOrder = append(rep.TotalOrder, stat.Mean(total, nil))
	}
	for _, pair := range []struct {
		which server.Statistic
		dst   *float64
	}{
		{server.StatMean, &rep.Mean},
		{server.StatVariance, &rep.Variance},
		{server.StatQuantile, &rep.Median},
	} {
		v, err := gather(pair.which, 0)
		if err != nil {
			return nil, err
		}
		*pair.dst = stat.Mean(v, nil)
	}
	for _, s := range servers {
		if err := s.Sweep(ctx); err != nil {
			return nil, err
		}
		rep.Completed = min(rep.Completed, s.Registry().Completed())
	}
	if len(*intervals) > 0 {
		rep.Interval = floats.Max(*intervals)
	}
	return rep, nil
}

// Print writes the report as a table.
func (r *synthReport) Print(w io.Writer, o synthOptions) {
	fmt.Fprintf(w, "Ishigami study: %d simulations, field %s[%d] from %d producers to %d server ranks (%s)\n",
		o.Simulations, synthField, o.Size, o.Producers, o.Consumers, o.Method)
	fmt.Fprintf(w, "%-6s %10s %10s %10s %10s\n", "param", "first", "total", "exact", "exact")
	for p := range r.FirstOrder {
		fmt.Fprintf(w, "X%-5d %10.4f %10.4f %10.4f %10.4f\n", p+1, r.FirstOrder[p], r.TotalOrder[p], ishigamiFirst[p], ishigamiTotal[p])
	}
	if !math.IsNaN(r.Interval) {
		fmt.Fprintf(w, "Worst confidence interval: %.4f\n", r.Interval)
	}
	fmt.Fprintf(w, "Mean %.4f  Variance %.4f  Median %.4f\n", r.Mean, r.Variance, r.Median)
	fmt.Fprintf(w, "Fully processed simulations: %d\n", r.Completed)
}

// === Kafka publishing ===

// kafkaSink publishes to the topics of running serve ranks.
type kafkaSink struct {
	pub *kafka.Publisher
}

func (k kafkaSink) announce(ctx context.Context, job wire.Job) error {
	return k.pub.Control(ctx, job)
}

func (k kafkaSink) deliver(ctx context.Context, consumer, producer int, payload []byte) error {
	return k.pub.Data(ctx, consumer, synthField, producer, payload)
}

// publishSynth publishes the synthetic study, then STOP.
func publishSynth(ctx context.Context, o synthOptions, brokers []string) error {
	st := o.study()
	if err := st.Validate(); err != nil {
		return err
	}
	cfg, err := st.ServerConfig(0, o.Consumers, "")
	if err != nil {
		return err
	}
	f := st.Fields[0]
	fp, err := partition.New(f.Name, f.Size, f.Producers, o.Consumers, cfg.Mode)
	if err != nil {
		return err
	}
	pub, err := kafka.NewPublisher(brokers, kafka.Topics{Study: st.Name})
	if err != nil {
		return err
	}
	defer pub.Close()
	if err := pub.Control(ctx, wire.Hello{}); err != nil {
		return err
	}
	if err := generate(ctx, o, fp, kafkaSink{pub: pub}); err != nil {
		return err
	}
	logrus.Infof("Published %d simulations to study %q", o.Simulations, st.Name)
	return pub.Control(ctx, wire.Stop{})
}
