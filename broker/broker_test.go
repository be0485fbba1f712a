package broker_test

import (
	"testing"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohitnagrath/kafka-fast/broker"
)

func TestAddr_String(t *testing.T) {
	a := broker.Addr{Host: "kafka1", Port: 9092}
	assert.Equal(t, "kafka1:9092", a.String())
}

func TestBuildFetchRequest_ReturnsRequest(t *testing.T) {
	req := broker.BuildFetchRequest([]broker.PartitionOffset{
		{Topic: "x", Partition: 0, Offset: 5},
		{Topic: "x", Partition: 1, Offset: 9},
	})
	assert.NotNil(t, req)
}

func TestBuildOffsetRequest_ReturnsRequestForEitherPolicy(t *testing.T) {
	earliest := broker.BuildOffsetRequest(map[string][]int32{"x": {0}}, true)
	latest := broker.BuildOffsetRequest(map[string][]int32{"x": {0}}, false)
	assert.NotNil(t, earliest)
	assert.NotNil(t, latest)
}

func TestDecodeFetchResponse_EmitsMessagesAndFetchErrors(t *testing.T) {
	resp := &sarama.FetchResponse{
		Blocks: map[string]map[int32]*sarama.FetchResponseBlock{
			"x": {
				0: {
					Err: sarama.ErrNoError,
					MsgSet: sarama.MessageSet{
						Messages: []*sarama.MessageBlock{
							{Offset: 3, Msg: &sarama.Message{Value: []byte("hi")}},
						},
					},
				},
				1: {Err: sarama.ErrOffsetOutOfRange},
			},
		},
	}

	var messages []*broker.Message
	var fetchErrs []*broker.FetchError
	err := broker.DecodeFetchResponse(resp, func(rec broker.Record) {
		switch r := rec.(type) {
		case *broker.Message:
			messages = append(messages, r)
		case *broker.FetchError:
			fetchErrs = append(fetchErrs, r)
		}
	})
	require.NoError(t, err)

	require.Len(t, messages, 1)
	assert.Equal(t, "x", messages[0].Topic)
	assert.Equal(t, int32(0), messages[0].Partition)
	assert.Equal(t, int64(3), messages[0].Offset)

	require.Len(t, fetchErrs, 1)
	assert.Equal(t, int32(1), fetchErrs[0].Partition)
}
