package fetcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohitnagrath/kafka-fast/broker"
	"github.com/mohitnagrath/kafka-fast/fetcher"
	"github.com/mohitnagrath/kafka-fast/internal/actor"
	"github.com/mohitnagrath/kafka-fast/offsetstate"
	"github.com/mohitnagrath/kafka-fast/persister"
)

type fakeKV struct{ sets []map[string]string }

func (f *fakeKV) Set(pairs map[string]string) error {
	f.sets = append(f.sets, pairs)
	return nil
}

type fakeProducer struct {
	resp *sarama.FetchResponse
	err  error
	wait time.Duration
}

func (f *fakeProducer) FetchAsync(req *sarama.FetchRequest) (<-chan *sarama.FetchResponse, <-chan error) {
	respCh := make(chan *sarama.FetchResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		if f.wait > 0 {
			time.Sleep(f.wait)
		}
		if f.err != nil {
			errCh <- f.err
			return
		}
		respCh <- f.resp
	}()
	return respCh, errCh
}

func messageBlock(topic string, partition int32, offset int64, value []byte) *sarama.FetchResponseBlock {
	return &sarama.FetchResponseBlock{
		Err: sarama.ErrNoError,
		MsgSet: sarama.MessageSet{
			Messages: []*sarama.MessageBlock{
				{Offset: offset, Msg: &sarama.Message{Value: value}},
			},
		},
	}
}

func fetchResponse(blocks map[string]map[int32]*sarama.FetchResponseBlock) *sarama.FetchResponse {
	return &sarama.FetchResponse{Blocks: blocks}
}

func TestFetch_EmitsNewMessagesAndAdvancesOffset(t *testing.T) {
	addr := broker.Addr{Host: "kafka1", Port: 9092}
	resp := fetchResponse(map[string]map[int32]*sarama.FetchResponseBlock{
		"x": {0: messageBlock("x", 0, 5, []byte("a"))},
	})
	resp.Blocks["x"][0].MsgSet.Messages = append(resp.Blocks["x"][0].MsgSet.Messages,
		&sarama.MessageBlock{Offset: 6, Msg: &sarama.Message{Value: []byte("b")}},
		&sarama.MessageBlock{Offset: 7, Msg: &sarama.Message{Value: []byte("c")}},
	)

	producer := &fakeProducer{resp: resp}
	output := make(chan broker.Message, 10)
	kv := &fakeKV{}
	p := persister.New(actor.RootID.NewChild("test"), kv, time.Hour)
	defer p.Close()

	owned := []offsetstate.Partition{{Topic: "x", Partition: 0, Broker: addr, Offset: 5}}

	result := fetcher.Fetch(context.Background(), actor.RootID.NewChild("test"), addr, producer, owned, time.Second, output, p)

	require.Len(t, result.Messages, 1, "only the highest offset per partition is kept in the result")
	assert.Equal(t, int64(7), result.Messages[0].Offset)
	assert.Empty(t, result.Errors)

	close(output)
	var got []broker.Message
	for m := range output {
		got = append(got, m)
	}
	assert.Len(t, got, 3, "every new message is still emitted once, even if superseded in the result")
}

func TestFetch_SkipsPartitionWithFetchError(t *testing.T) {
	addr := broker.Addr{Host: "kafka1", Port: 9092}
	resp := fetchResponse(map[string]map[int32]*sarama.FetchResponseBlock{
		"x": {0: {Err: sarama.ErrOffsetOutOfRange}},
	})

	producer := &fakeProducer{resp: resp}
	output := make(chan broker.Message, 10)
	kv := &fakeKV{}
	p := persister.New(actor.RootID.NewChild("test"), kv, time.Hour)
	defer p.Close()

	owned := []offsetstate.Partition{{Topic: "x", Partition: 0, Broker: addr, Offset: 5}}
	result := fetcher.Fetch(context.Background(), actor.RootID.NewChild("test"), addr, producer, owned, time.Second, output, p)

	assert.Empty(t, result.Messages)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "x", result.Errors[0].Topic)
}

func TestFetch_TimesOutWhenNoResponse(t *testing.T) {
	addr := broker.Addr{Host: "kafka1", Port: 9092}
	producer := &fakeProducer{wait: time.Second}
	output := make(chan broker.Message, 10)
	kv := &fakeKV{}
	p := persister.New(actor.RootID.NewChild("test"), kv, time.Hour)
	defer p.Close()

	owned := []offsetstate.Partition{{Topic: "x", Partition: 0, Broker: addr, Offset: 5}}
	result := fetcher.Fetch(context.Background(), actor.RootID.NewChild("test"), addr, producer, owned, 10*time.Millisecond, output, p)

	assert.Empty(t, result.Messages)
	require.Len(t, result.Errors, 1)
}

func TestFetch_BootstrapOffsetZeroIsEmitted(t *testing.T) {
	addr := broker.Addr{Host: "kafka1", Port: 9092}
	resp := fetchResponse(map[string]map[int32]*sarama.FetchResponseBlock{
		"x": {0: messageBlock("x", 0, 0, []byte("first"))},
	})
	producer := &fakeProducer{resp: resp}
	output := make(chan broker.Message, 10)
	kv := &fakeKV{}
	p := persister.New(actor.RootID.NewChild("test"), kv, time.Hour)
	defer p.Close()

	owned := []offsetstate.Partition{{Topic: "x", Partition: 0, Broker: addr, Offset: 0}}
	result := fetcher.Fetch(context.Background(), actor.RootID.NewChild("test"), addr, producer, owned, time.Second, output, p)

	require.Len(t, result.Messages, 1)
	assert.Equal(t, int64(0), result.Messages[0].Offset)
}
