package offsetstate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mohitnagrath/kafka-fast/broker"
	"github.com/mohitnagrath/kafka-fast/offsetstate"
)

var b1 = broker.Addr{Host: "kafka1", Port: 9092}

func TestMergeFetchResults_AdvancesOnlySuccessfulPartitions(t *testing.T) {
	s := offsetstate.New()
	s = s.Put(offsetstate.Partition{Topic: "x", Partition: 0, Broker: b1, Offset: 5, Locked: true})
	s = s.Put(offsetstate.Partition{Topic: "x", Partition: 1, Broker: b1, Offset: 9, Locked: true})

	merged := offsetstate.MergeFetchResults(s, []offsetstate.FetchedMessage{
		{Broker: b1, Topic: "x", Partition: 0, Offset: 7},
	})

	p0, ok := offsetstate.GetPartition(merged, b1, "x", 0)
	assert.True(t, ok)
	assert.Equal(t, int64(8), p0.Offset)
	assert.True(t, p0.Locked, "locked flag must be preserved across merge")

	p1, ok := offsetstate.GetPartition(merged, b1, "x", 1)
	assert.True(t, ok)
	assert.Equal(t, int64(9), p1.Offset, "partition absent from results must not advance")
}

func TestMergeFetchResults_KeepsHighestOffsetPerPartition(t *testing.T) {
	s := offsetstate.New()
	s = s.Put(offsetstate.Partition{Topic: "x", Partition: 0, Broker: b1, Offset: 5})

	merged := offsetstate.MergeFetchResults(s, []offsetstate.FetchedMessage{
		{Broker: b1, Topic: "x", Partition: 0, Offset: 5},
		{Broker: b1, Topic: "x", Partition: 0, Offset: 7},
		{Broker: b1, Topic: "x", Partition: 0, Offset: 6},
	})

	p0, ok := offsetstate.GetPartition(merged, b1, "x", 0)
	assert.True(t, ok)
	assert.Equal(t, int64(8), p0.Offset)
}

func TestPut_EnforcesSingleOwnershipAcrossBrokers(t *testing.T) {
	b2 := broker.Addr{Host: "kafka2", Port: 9092}
	s := offsetstate.New()
	s = s.Put(offsetstate.Partition{Topic: "x", Partition: 0, Broker: b1, Offset: 1})
	s = s.Put(offsetstate.Partition{Topic: "x", Partition: 0, Broker: b2, Offset: 2})

	_, foundOnB1 := offsetstate.GetPartition(s, b1, "x", 0)
	assert.False(t, foundOnB1, "partition must move wholesale to the new broker")

	p, foundOnB2 := offsetstate.GetPartition(s, b2, "x", 0)
	assert.True(t, foundOnB2)
	assert.Equal(t, int64(2), p.Offset)

	assert.Len(t, offsetstate.Flatten(s), 1)
}

func TestGetRest_RemovesNamedPartitionOnly(t *testing.T) {
	s := offsetstate.New()
	s = s.Put(offsetstate.Partition{Topic: "x", Partition: 0, Broker: b1})
	s = s.Put(offsetstate.Partition{Topic: "x", Partition: 1, Broker: b1})

	rest := offsetstate.GetRest(s, b1, "x", 0)
	assert.Len(t, rest, 1)
	assert.Equal(t, int32(1), rest[0].Partition)
}

func TestForBroker_ReturnsIndependentCopy(t *testing.T) {
	s := offsetstate.New()
	s = s.Put(offsetstate.Partition{Topic: "x", Partition: 0, Broker: b1, Offset: 1})

	snapshot := offsetstate.ForBroker(s, b1)
	snapshot[0].Offset = 99

	p, _ := offsetstate.GetPartition(s, b1, "x", 0)
	assert.Equal(t, int64(1), p.Offset, "mutating a fetcher's snapshot must not affect the store")
}
