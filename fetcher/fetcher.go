// Package fetcher implements the per-broker fetch cycle described in
// SPEC_FULL.md §4.3: one activation per (broker, cycle), racing a response,
// an error and a timeout, decoding messages and per-partition errors, and
// reporting newly-seen messages to both the output channel and the
// persister.
package fetcher

import (
	"context"
	"time"

	"github.com/Shopify/sarama"
	"github.com/mailgun/log"

	"github.com/mohitnagrath/kafka-fast/broker"
	"github.com/mohitnagrath/kafka-fast/internal/actor"
	"github.com/mohitnagrath/kafka-fast/offsetstate"
	"github.com/mohitnagrath/kafka-fast/persister"
)

// Error reports why a fetch cycle produced no usable result for one
// partition.
type Error struct {
	Topic     string
	Partition int32
	Cause     error
}

func (e Error) Error() string {
	return e.Cause.Error()
}

// Result is everything a Fetch call hands back to the Consume Loop.
type Result struct {
	Messages []offsetstate.FetchedMessage
	Errors   []Error
}

var errTimeout = errString("fetch timed out")

type errString string

func (e errString) Error() string { return string(e) }

type topicPartition struct {
	topic     string
	partition int32
}

// Fetch runs one (broker, cycle) activation against conn for the given
// owned partitions, emitting every newly-seen message on output and
// notifying persist of its offset. It returns once the response has been
// fully decoded, an error channel has fired, or fetchTimeout has elapsed.
func Fetch(
	ctx context.Context,
	cid *actor.ID,
	addr broker.Addr,
	conn broker.FetchProducer,
	owned []offsetstate.Partition,
	fetchTimeout time.Duration,
	output chan<- broker.Message,
	persist *persister.Persister,
) Result {
	if len(owned) == 0 {
		return Result{}
	}

	reqOffsets := make([]broker.PartitionOffset, len(owned))
	lastSeen := make(map[topicPartition]int64, len(owned))
	for i, p := range owned {
		reqOffsets[i] = broker.PartitionOffset{Topic: p.Topic, Partition: p.Partition, Offset: p.Offset}
		lastSeen[topicPartition{p.Topic, p.Partition}] = p.Offset - 1
	}

	req := broker.BuildFetchRequest(reqOffsets)
	respCh, errCh := conn.FetchAsync(req)

	select {
	case <-ctx.Done():
		return Result{}

	case err := <-errCh:
		log.Errorf("<%s> fetch to %s failed: err=(%s)", cid, addr, err)
		return errorResultForAll(owned, err)

	case <-time.After(fetchTimeout):
		log.Errorf("<%s> fetch to %s timed out after %s", cid, addr, fetchTimeout)
		return errorResultForAll(owned, errTimeout)

	case resp := <-respCh:
		return decode(cid, addr, resp, lastSeen, output, persist)
	}
}

func errorResultForAll(owned []offsetstate.Partition, cause error) Result {
	errs := make([]Error, len(owned))
	for i, p := range owned {
		errs[i] = Error{Topic: p.Topic, Partition: p.Partition, Cause: cause}
	}
	return Result{Errors: errs}
}

func decode(
	cid *actor.ID,
	addr broker.Addr,
	resp *sarama.FetchResponse,
	lastSeen map[topicPartition]int64,
	output chan<- broker.Message,
	persist *persister.Persister,
) Result {
	var result Result
	bestPerPartition := make(map[topicPartition]offsetstate.FetchedMessage)
	aborted := false

	fold := func(rec broker.Record) {
		if aborted {
			return
		}
		switch r := rec.(type) {
		case *broker.Message:
			tp := topicPartition{r.Topic, r.Partition}
			seen, known := lastSeen[tp]
			if !known {
				// No fallback (owned_offsets) or primary (response-so-far)
				// entry for this partition: per SPEC_FULL.md §7 this is
				// fatal to this message only, not to the whole fetch.
				log.Errorf("<%s> no known offset for %s/%d, dropping message at offset %d", cid, r.Topic, r.Partition, r.Offset)
				return
			}
			isNew := r.Offset == 0 || r.Offset > seen
			if !isNew {
				// Duplicate within this response: per SPEC_FULL.md §4.3's
				// open-question resolution, leave the accumulator as-is
				// rather than clearing it.
				return
			}
			output <- *r
			persist.Send(persister.Update{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset})
			lastSeen[tp] = r.Offset
			// Only the highest offset per (topic, partition) survives into the
			// returned result; every new message is still emitted above as
			// it's encountered, per SPEC_FULL.md §4.3's duplicate-suppression
			// edge case.
			bestPerPartition[tp] = offsetstate.FetchedMessage{
				Broker: addr, Topic: r.Topic, Partition: r.Partition, Offset: r.Offset,
			}

		case *broker.FetchError:
			log.Errorf("<%s> partition fetch error: %s/%d code=%s", cid, r.Topic, r.Partition, r.ErrorCode)
			result.Errors = append(result.Errors, Error{Topic: r.Topic, Partition: r.Partition, Cause: *r})

		default:
			log.Errorf("<%s> decoder saw unknown record type %T; aborting this fetch's decode", cid, rec)
			aborted = true
		}
	}

	if err := broker.DecodeFetchResponse(resp, fold); err != nil {
		log.Errorf("<%s> failed to decode fetch response from %s: err=(%s)", cid, addr, err)
	}
	for _, m := range bestPerPartition {
		result.Messages = append(result.Messages, m)
	}
	return result
}
