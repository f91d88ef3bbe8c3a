// Package kafka carries the control, data and notification channels of a
// study over Kafka topics using franz-go.
//
// Topics for a study named S:
//
//	S.control       control messages from the launcher, read by every rank
//	S.data.<rank>   data messages routed to one server rank
//	S.notify        server notifications to the launcher
//
// Data records MUST be keyed by field and producer rank so that the time
// steps of one segment stay in one partition, in order.
package kafka

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ensemble-stats/ensemble-stats/ensemble/server"
	"github.com/ensemble-stats/ensemble-stats/ensemble/wire"
)

// Topics names the topics of one study.
type Topics struct {
	Study string
}

// Control returns the control topic.
func (t Topics) Control() string { return t.Study + ".control" }

// Data returns the data topic of a server rank.
func (t Topics) Data(rank int) string { return fmt.Sprintf("%s.data.%d", t.Study, rank) }

// Notify returns the notification topic.
func (t Topics) Notify() string { return t.Study + ".notify" }

// kind maps a record topic to its channel, 0 for foreign topics.
func (t Topics) kind(topic string, rank int) server.Kind {
	switch topic {
	case t.Control():
		return server.KindControl
	case t.Data(rank):
		return server.KindData
	default:
		return 0
	}
}

// partitionKey identifies one topic partition.
type partitionKey struct {
	topic     string
	partition int32
}

// Source reads the control topic and the data topic of one rank. Offsets are
// committed only through Commit, which the server calls once a checkpoint
// holds everything delivered so far.
type Source struct {
	client    *kgo.Client
	topics    Topics
	rank      int
	pending   []*kgo.Record
	delivered map[partitionKey]*kgo.Record
	log       *logrus.Entry
}

// NewSource joins the consumer group of rank and subscribes to its topics.
func NewSource(brokers []string, topics Topics, rank int) (*Source, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(fmt.Sprintf("%s-rank-%d", topics.Study, rank)),
		kgo.ConsumeTopics(topics.Control(), topics.Data(rank)),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer: %w", err)
	}
	return &Source{
		client:    cl,
		topics:    topics,
		rank:      rank,
		delivered: make(map[partitionKey]*kgo.Record),
		log:       logrus.WithFields(logrus.Fields{"rank": rank, "transport": "kafka"}),
	}, nil
}

// Next returns the next record as an envelope. Nothing is committed here.
func (s *Source) Next(ctx context.Context) (server.Envelope, error) {
	for {
		for len(s.pending) == 0 {
			fetches := s.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return server.Envelope{}, io.EOF
			}
			if err := ctx.Err(); err != nil {
				return server.Envelope{}, err
			}
			// Fetch errors are retried by the client; the ones surfaced here
			// are reported and skipped.
			fetches.EachError(func(topic string, partition int32, err error) {
				s.log.WithError(err).Warnf("fetch from %s/%d failed", topic, partition)
			})
			s.pending = fetches.Records()
		}
		rec := s.pending[0]
		s.pending = s.pending[1:]
		s.track(rec)
		if env, ok := s.envelope(rec); ok {
			return env, nil
		}
		s.log.Warnf("skipping record from unexpected topic %q", rec.Topic)
	}
}

func (s *Source) envelope(rec *kgo.Record) (server.Envelope, bool) {
	kind := s.topics.kind(rec.Topic, s.rank)
	if kind == 0 {
		return server.Envelope{}, false
	}
	return server.Envelope{Kind: kind, Payload: rec.Value}, true
}

// track remembers rec as the latest delivered record of its partition.
// Skipped records count as delivered.
func (s *Source) track(rec *kgo.Record) {
	key := partitionKey{topic: rec.Topic, partition: rec.Partition}
	if last, ok := s.delivered[key]; !ok || rec.Offset > last.Offset {
		s.delivered[key] = rec
	}
}

// uncommitted returns the latest delivered record of every partition, in
// topic then partition order.
func (s *Source) uncommitted() []*kgo.Record {
	recs := make([]*kgo.Record, 0, len(s.delivered))
	for _, rec := range s.delivered {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Topic != recs[j].Topic {
			return recs[i].Topic < recs[j].Topic
		}
		return recs[i].Partition < recs[j].Partition
	})
	return recs
}

// Commit implements server.Committer: it commits the offsets of every record
// delivered by Next so far.
func (s *Source) Commit(ctx context.Context) error {
	recs := s.uncommitted()
	if len(recs) == 0 {
		return nil
	}
	if err := s.client.CommitRecords(ctx, recs...); err != nil {
		return fmt.Errorf("committing %d partitions: %w", len(recs), err)
	}
	clear(s.delivered)
	s.log.Debugf("committed offsets of %d partitions", len(recs))
	return nil
}

// Close leaves the group without committing: whatever the last checkpoint
// does not hold is delivered again on restart.
func (s *Source) Close() {
	s.client.Close()
}

// Publisher produces to the topics of a study: notifications from server
// ranks, control and data messages from launchers and clients.
type Publisher struct {
	client *kgo.Client
	topics Topics
}

// NewPublisher creates a producer client.
func NewPublisher(brokers []string, topics Topics) (*Publisher, error) {
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return &Publisher{client: cl, topics: topics}, nil
}

// Notify implements server.Notifier.
func (p *Publisher) Notify(ctx context.Context, msg wire.Message) error {
	return p.produce(ctx, p.topics.Notify(), nil, wire.Encode(msg))
}

// Control publishes a control message to every rank.
func (p *Publisher) Control(ctx context.Context, msg wire.Message) error {
	return p.produce(ctx, p.topics.Control(), nil, wire.Encode(msg))
}

// Data publishes an encoded data message to a server rank, keyed by field
// and producer rank.
func (p *Publisher) Data(ctx context.Context, rank int, field string, producer int, payload []byte) error {
	return p.produce(ctx, p.topics.Data(rank), []byte(fmt.Sprintf("%s/%d", field, producer)), payload)
}

func (p *Publisher) produce(ctx context.Context, topic string, key, value []byte) error {
	res := p.client.ProduceSync(ctx, &kgo.Record{Topic: topic, Key: key, Value: value})
	if err := res.FirstErr(); err != nil {
		return fmt.Errorf("producing to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() {
	p.client.Close()
}
