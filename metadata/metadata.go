// Package metadata resolves the cluster's topic→partition→broker layout,
// the collaborator SPEC_FULL.md §6 assumes is externally available.
package metadata

import (
	"strconv"
	"strings"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/mohitnagrath/kafka-fast/broker"
)

// ErrNoMetadata is returned when the cluster reports no partitions for any
// subscribed topic; per SPEC_FULL.md §7 this is fatal and must propagate to
// the caller rather than be retried silently.
var ErrNoMetadata = errors.New("no metadata")

// TopicLayout maps each subscribed topic to the leader broker of every one
// of its partitions, indexed by partition number.
type TopicLayout map[string][]PartitionLeader

// PartitionLeader names the broker currently leading one partition.
type PartitionLeader struct {
	Partition int32
	Leader    broker.Addr
}

// Fetch connects to one of bootstrapBrokers and returns the leader layout
// for every topic in topics.
func Fetch(bootstrapBrokers []string, topics []string, conf *sarama.Config) (TopicLayout, error) {
	client, err := sarama.NewClient(bootstrapBrokers, conf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to cluster for metadata")
	}
	defer client.Close()

	if err := client.RefreshMetadata(topics...); err != nil {
		return nil, errors.Wrap(err, "failed to refresh cluster metadata")
	}

	layout := make(TopicLayout, len(topics))
	for _, topic := range topics {
		partitions, err := client.Partitions(topic)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list partitions for topic %s", topic)
		}
		leaders := make([]PartitionLeader, 0, len(partitions))
		for _, p := range partitions {
			leader, err := client.Leader(topic, p)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve leader for %s/%d", topic, p)
			}
			addr, splitErr := parseBrokerAddr(leader.Addr())
			if splitErr != nil {
				return nil, errors.Wrapf(splitErr, "failed to parse broker address %s", leader.Addr())
			}
			leaders = append(leaders, PartitionLeader{Partition: p, Leader: addr})
		}
		layout[topic] = leaders
	}

	total := 0
	for _, leaders := range layout {
		total += len(leaders)
	}
	if total == 0 {
		return nil, ErrNoMetadata
	}
	return layout, nil
}

// parseBrokerAddr splits a sarama "host:port" address into a broker.Addr.
func parseBrokerAddr(hostport string) (broker.Addr, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return broker.Addr{}, errors.Errorf("malformed broker address %q", hostport)
	}
	port, err := strconv.ParseInt(hostport[idx+1:], 10, 32)
	if err != nil {
		return broker.Addr{}, errors.Wrapf(err, "malformed broker port in %q", hostport)
	}
	return broker.Addr{Host: hostport[:idx], Port: int32(port)}, nil
}

// InitialOffsets probes the earliest or latest offset (per useEarliest) for
// every partition in layout, used to seed the offset state at startup and
// on reconnect.
func InitialOffsets(layout TopicLayout, bootstrapBrokers []string, conf *sarama.Config, useEarliest bool) (map[string]map[int32]int64, error) {
	client, err := sarama.NewClient(bootstrapBrokers, conf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to cluster for offset probe")
	}
	defer client.Close()

	offsetTime := sarama.OffsetNewest
	if useEarliest {
		offsetTime = sarama.OffsetOldest
	}

	out := make(map[string]map[int32]int64, len(layout))
	for topic, leaders := range layout {
		out[topic] = make(map[int32]int64, len(leaders))
		for _, pl := range leaders {
			offset, err := client.GetOffset(topic, pl.Partition, offsetTime)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to probe initial offset for %s/%d", topic, pl.Partition)
			}
			out[topic][pl.Partition] = offset
		}
	}
	return out, nil
}
