package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-stats/ensemble-stats/ensemble/partition"
	"github.com/ensemble-stats/ensemble-stats/ensemble/wire"
)

func TestMessages_SplitsEveryVectorAlongThePlan(t *testing.T) {
	// GIVEN 4 elements over producers [2,2] and 3 consumers
	fp, err := partition.New("f", 4, []int{2, 2}, 3, partition.Distributed)
	require.NoError(t, err)
	c := New(7, 1)
	c.Register(fp)

	// WHEN producer 1 sends two vectors
	out, err := c.Messages("f", 3, [][]float64{{10, 11}, {20, 21}})
	require.NoError(t, err)

	// THEN one message goes to each of consumers 1 and 2
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Consumer)
	assert.Equal(t, 2, out[1].Consumer)
	d, err := wire.DecodeData(out[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, int32(3), d.TimeStep)
	assert.Equal(t, int32(7), d.SimulationID)
	assert.Equal(t, int32(1), d.ClientRank)
	assert.Equal(t, [][]float64{{11}, {21}}, d.Vectors)
}

func TestMessages_Errors(t *testing.T) {
	fp, err := partition.New("f", 4, []int{2, 2}, 2, partition.Distributed)
	require.NoError(t, err)
	c := New(1, 0)
	c.Register(fp)

	_, err = c.Messages("g", 0, [][]float64{{1, 2}})
	assert.Error(t, err)
	_, err = c.Messages("f", 0, nil)
	assert.Error(t, err)
	_, err = c.Messages("f", 0, [][]float64{{1, 2, 3}})
	assert.ErrorIs(t, err, partition.ErrConfigurationMismatch)
}

func TestMessages_GatheredSkipsEmptySegments(t *testing.T) {
	// GIVEN 2 elements gathered on producer 0 for 3 consumers
	fp, err := partition.New("f", 2, []int{1, 1}, 3, partition.Gathered)
	require.NoError(t, err)
	c := New(4, 0)
	c.Register(fp)

	// WHEN rank 0 sends the gathered vector
	out, err := c.Messages("f", 0, [][]float64{{1, 2}})
	require.NoError(t, err)

	// THEN only the consumers owning an element get a message
	require.Len(t, out, 2)
	assert.Equal(t, 0, out[0].Consumer)
	assert.Equal(t, 1, out[1].Consumer)

	// AND the other producer ranks send nothing
	other := New(4, 1)
	other.Register(fp)
	out, err = other.Messages("f", 0, [][]float64{{}})
	require.NoError(t, err)
	assert.Empty(t, out)
}
