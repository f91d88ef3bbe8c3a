// Package client is the producer side of the data channel: it routes one
// simulation rank's local field vectors through the partition plan and
// encodes one data message per destination server rank.
package client

import (
	"fmt"

	"github.com/ensemble-stats/ensemble-stats/ensemble/partition"
	"github.com/ensemble-stats/ensemble-stats/ensemble/wire"
)

// Outgoing is an encoded data message and the server rank it is for.
type Outgoing struct {
	Consumer int
	Payload  []byte
}

// Client sends the fields of one producer rank of one simulation.
type Client struct {
	simulation int32
	rank       int
	fields     map[string]*partition.FieldPartition
}

// New creates a client for producer rank of simulation.
func New(simulation int32, rank int) *Client {
	return &Client{simulation: simulation, rank: rank, fields: make(map[string]*partition.FieldPartition)}
}

// Register adds a field routed by fp. The plan must be the one the servers
// built for the same field.
func (c *Client) Register(fp *partition.FieldPartition) {
	c.fields[fp.Name] = fp
}

// Messages routes the local vectors of field at step. Every vector is split
// along the same plan, so each message carries the matching slice of each.
func (c *Client) Messages(field string, step int, vectors [][]float64) ([]Outgoing, error) {
	fp, ok := c.fields[field]
	if !ok {
		return nil, fmt.Errorf("client: field %q not registered", field)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("client: no vectors for field %q", field)
	}
	routed := make([][]partition.Message, len(vectors))
	for i, v := range vectors {
		msgs, err := fp.Route(c.rank, v)
		if err != nil {
			return nil, err
		}
		routed[i] = msgs
	}
	out := make([]Outgoing, 0, len(routed[0]))
	for j, m := range routed[0] {
		if m.Segment.Length == 0 {
			// Gathered plans keep a segment for consumers owning nothing;
			// there is no sample to send them.
			continue
		}
		d := &wire.SimuData{
			TimeStep:     int32(step),
			SimulationID: c.simulation,
			ClientRank:   int32(c.rank),
			Field:        field,
			Vectors:      make([][]float64, len(vectors)),
		}
		for i := range vectors {
			d.Vectors[i] = routed[i][j].Data
		}
		buf, err := wire.EncodeData(d)
		if err != nil {
			return nil, err
		}
		out = append(out, Outgoing{Consumer: m.Segment.Consumer, Payload: buf})
	}
	return out, nil
}
