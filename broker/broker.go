// Package broker wraps github.com/Shopify/sarama's broker connections and
// fetch/offset request-response cycle behind the "fetch producer"/"offset
// producer" collaborator interfaces this spec assumes are externally
// provided (see SPEC_FULL.md §6).
package broker

import (
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// Addr is a broker address tuple, compared by value.
type Addr struct {
	Host string
	Port int32
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Message is a single decoded record, emitted unchanged on the consumer's
// output channel.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// FetchError reports a per-partition error surfaced inside an otherwise
// successful fetch response; it triggers the error path without advancing
// that partition's offset.
type FetchError struct {
	Topic     string
	Partition int32
	ErrorCode sarama.KError
}

func (e FetchError) Error() string {
	return fmt.Sprintf("fetch error: %s/%d: %s", e.Topic, e.Partition, e.ErrorCode)
}

// PartitionOffset names one (topic, partition, offset) tuple to request in a
// fetch or offset call.
type PartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// FetchProducer is the collaborator interface the fetcher package depends
// on: enough to issue one fetch request and race its outcome against a
// timeout. Satisfied by *Conn; fakeable in tests.
type FetchProducer interface {
	FetchAsync(req *sarama.FetchRequest) (<-chan *sarama.FetchResponse, <-chan error)
}

// Conn is a live connection to a single broker, used to issue fetch and
// offset requests asynchronously.
type Conn struct {
	addr Addr
	raw  *sarama.Broker
}

// Open dials addr and returns a ready Conn.
func Open(addr Addr, conf *sarama.Config) (*Conn, error) {
	raw := sarama.NewBroker(addr.String())
	if err := raw.Open(conf); err != nil {
		return nil, errors.Wrapf(err, "failed to open broker connection %s", addr)
	}
	if ok, err := raw.Connected(); err != nil || !ok {
		return nil, errors.Wrapf(err, "broker connection %s not established", addr)
	}
	return &Conn{addr: addr, raw: raw}, nil
}

// Close tears down the underlying broker connection.
func (c *Conn) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// Addr returns the address this connection was opened against.
func (c *Conn) Addr() Addr {
	return c.addr
}

// BuildFetchRequest assembles a sarama.FetchRequest for the given
// per-partition offsets.
func BuildFetchRequest(offsets []PartitionOffset) *sarama.FetchRequest {
	req := &sarama.FetchRequest{
		MinBytes:    1,
		MaxWaitTime: 1000,
	}
	for _, po := range offsets {
		req.AddBlock(po.Topic, po.Partition, po.Offset, 1<<20)
	}
	return req
}

// FetchAsync issues req on a dedicated goroutine and returns channels that
// deliver exactly one of a response or an error. The caller races these
// against a timeout, per SPEC_FULL.md §4.3.
func (c *Conn) FetchAsync(req *sarama.FetchRequest) (<-chan *sarama.FetchResponse, <-chan error) {
	respCh := make(chan *sarama.FetchResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := c.raw.Fetch(req)
		if err != nil {
			errCh <- errors.Wrapf(err, "fetch request to %s failed", c.addr)
			return
		}
		respCh <- resp
	}()
	return respCh, errCh
}

// BuildOffsetRequest assembles a sarama.OffsetRequest asking for the
// earliest or latest offset of every named partition.
func BuildOffsetRequest(topicPartitions map[string][]int32, useEarliest bool) *sarama.OffsetRequest {
	req := &sarama.OffsetRequest{Version: 1}
	t := sarama.OffsetNewest
	if useEarliest {
		t = sarama.OffsetOldest
	}
	for topic, partitions := range topicPartitions {
		for _, p := range partitions {
			req.AddBlock(topic, p, t, 1)
		}
	}
	return req
}

// OffsetAsync issues req on a dedicated goroutine, mirroring FetchAsync.
func (c *Conn) OffsetAsync(req *sarama.OffsetRequest) (<-chan *sarama.OffsetResponse, <-chan error) {
	respCh := make(chan *sarama.OffsetResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := c.raw.GetAvailableOffsets(req)
		if err != nil {
			errCh <- errors.Wrapf(err, "offset request to %s failed", c.addr)
			return
		}
		respCh <- resp
	}()
	return respCh, errCh
}

// Record is either a *Message or a *FetchError, decoded from a fetch
// response.
type Record interface{}

// DecodeFetchResponse walks resp and invokes fold once per record found in
// it, across every topic/partition block the response carries.
func DecodeFetchResponse(resp *sarama.FetchResponse, fold func(Record)) error {
	for topic, partitions := range resp.Blocks {
		for partition, block := range partitions {
			if block.Err != sarama.ErrNoError {
				fold(&FetchError{Topic: topic, Partition: partition, ErrorCode: block.Err})
				continue
			}
			msgs, err := decodeBlockMessages(topic, partition, block)
			if err != nil {
				return errors.Wrapf(err, "failed to decode fetch block %s/%d", topic, partition)
			}
			for _, m := range msgs {
				fold(m)
			}
		}
	}
	return nil
}

// decodeBlockMessages extracts Messages from a fetch response block for the
// named topic/partition, handling both the legacy message-set encoding and
// the record-batch encoding that sarama's FetchResponseBlock.Records
// abstracts over.
func decodeBlockMessages(topic string, partition int32, block *sarama.FetchResponseBlock) ([]*Message, error) {
	var out []*Message
	for _, msgBlock := range block.MsgSet.Messages {
		for _, m := range msgBlock.Messages() {
			out = append(out, &Message{
				Topic:     topic,
				Partition: partition,
				Offset:    m.Offset,
				Key:       m.Msg.Key,
				Value:     m.Msg.Value,
			})
		}
	}
	if block.Records != nil && block.Records.RecordBatch != nil {
		for _, r := range block.Records.RecordBatch.Records {
			out = append(out, &Message{
				Topic:     topic,
				Partition: partition,
				Offset:    block.Records.RecordBatch.FirstOffset + r.OffsetDelta,
				Key:       r.Key,
				Value:     r.Value,
			})
		}
	}
	return out, nil
}
