// Package consumeloop implements the top-level orchestrator described in
// SPEC_FULL.md §4.5: rebalance, parallel per-broker fetch, offset merge,
// error-driven reconnect, idle sleep, repeat.
package consumeloop

import (
	"context"
	"expvar"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/mailgun/log"

	"github.com/mohitnagrath/kafka-fast/broker"
	"github.com/mohitnagrath/kafka-fast/config"
	"github.com/mohitnagrath/kafka-fast/fetcher"
	"github.com/mohitnagrath/kafka-fast/internal/actor"
	"github.com/mohitnagrath/kafka-fast/metadata"
	"github.com/mohitnagrath/kafka-fast/offsetstate"
	"github.com/mohitnagrath/kafka-fast/persister"
	"github.com/mohitnagrath/kafka-fast/rebalancer"
)

// Metrics published on the /metrics admin surface (see package adminhttp).
var (
	MessagesConsumed = expvar.NewInt("kafkafast_messages_consumed")
	CycleErrors      = expvar.NewInt("kafkafast_cycle_errors")
	Reconnects       = expvar.NewInt("kafkafast_reconnects")
)

// Registry is the subset of the group registry the consume loop and
// rebalancer need; satisfied by *group.Registry.
type Registry interface {
	rebalancer.Locker
	persister.KV
	Members(ctx context.Context) ([]string, error)
	HostName() string
}

const messagesChanDepth = 100

// Consumer is the handle the embedding application receives.
type Consumer struct {
	cid        *actor.ID
	cfg        *config.Config
	reg        Registry
	saramaConf *sarama.Config

	messages chan broker.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the background consume loop and returns a Consumer handle.
func New(cfg *config.Config, reg Registry, saramaConf *sarama.Config) (*Consumer, error) {
	layout, err := metadata.Fetch(cfg.BootstrapBrokers, cfg.Topics, saramaConf)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cid:        actor.RootID.NewChild("consumeLoop"),
		cfg:        cfg,
		reg:        reg,
		saramaConf: saramaConf,
		messages:   make(chan broker.Message, messagesChanDepth),
		cancel:     cancel,
	}

	state, conns, err := bootstrap(cfg, saramaConf, layout)
	if err != nil {
		cancel()
		return nil, err
	}

	actor.Spawn(c.cid, &c.wg, func() {
		c.run(ctx, state, conns)
	})
	return c, nil
}

// Messages returns the bounded channel of decoded messages.
func (c *Consumer) Messages() <-chan broker.Message {
	return c.messages
}

// HostName returns this member's group identity, for the admin status
// surface (package adminhttp).
func (c *Consumer) HostName() string {
	return c.reg.HostName()
}

// Topics returns the topics this consumer subscribes to.
func (c *Consumer) Topics() []string {
	return c.cfg.Topics
}

// Close halts the background goroutine and closes every producer.
func (c *Consumer) Close() {
	c.cancel()
	c.wg.Wait()
}

// ReadMessage blocks on Messages() until a message arrives or ctx is done.
func (c *Consumer) ReadMessage(ctx context.Context) (broker.Message, error) {
	select {
	case m := <-c.messages:
		return m, nil
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	}
}

// bootstrap builds the initial per-broker connections and seeds OffsetState
// from the initial offset probe.
func bootstrap(cfg *config.Config, saramaConf *sarama.Config, layout metadata.TopicLayout) (*offsetstate.State, map[broker.Addr]*broker.Conn, error) {
	offsets, err := metadata.InitialOffsets(layout, cfg.BootstrapBrokers, saramaConf, cfg.UseEarliest)
	if err != nil {
		return nil, nil, err
	}

	state := offsetstate.New()
	conns := make(map[broker.Addr]*broker.Conn)
	for topic, leaders := range layout {
		for _, pl := range leaders {
			state = state.Put(offsetstate.Partition{
				Topic:     topic,
				Partition: pl.Partition,
				Broker:    pl.Leader,
				Offset:    offsets[topic][pl.Partition],
			})
			if _, ok := conns[pl.Leader]; !ok {
				conn, err := broker.Open(pl.Leader, saramaConf)
				if err != nil {
					closeAll(conns)
					return nil, nil, err
				}
				conns[pl.Leader] = conn
			}
		}
	}
	return state, conns, nil
}

func closeAll(conns map[broker.Addr]*broker.Conn) {
	for _, c := range conns {
		c.Close()
	}
}

func (c *Consumer) run(ctx context.Context, state *offsetstate.State, conns map[broker.Addr]*broker.Conn) {
	defer func() { closeAll(conns) }()

	persist := persister.New(c.cid.NewChild("persister"), c.reg, c.cfg.OffsetCommitFreq)
	defer persist.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		state = c.rebalance(ctx, state)

		results, fetchErrs := c.dispatchFetches(ctx, state, conns, persist)

		if len(fetchErrs) > 0 {
			log.Errorf("<%s> cycle had %d fetch error(s), reconnecting", c.cid, len(fetchErrs))
			CycleErrors.Add(int64(len(fetchErrs)))
			c.checkpointErrors(state, fetchErrs, persist)
			closeAll(conns)

			newState, newConns, err := c.reconnect(ctx)
			Reconnects.Add(1)
			if err != nil {
				log.Errorf("<%s> reconnect failed: err=(%s); retrying after poll interval", c.cid, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.cfg.FetchPollInterval):
				}
				continue
			}
			state, conns = newState, newConns
			continue
		}

		totalMessages := 0
		for _, r := range results {
			totalMessages += len(r.Messages)
		}
		MessagesConsumed.Add(int64(totalMessages))
		if totalMessages == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.FetchPollInterval):
			}
		}

		state = offsetstate.MergeFetchResults(state, flattenMessages(results))
	}
}

// rebalance folds RebalanceTopic over every subscribed topic.
func (c *Consumer) rebalance(ctx context.Context, state *offsetstate.State) *offsetstate.State {
	members, err := c.reg.Members(ctx)
	if err != nil {
		log.Errorf("<%s> failed to list group members, assuming solo membership: err=(%s)", c.cid, err)
		members = []string{c.reg.HostName()}
	}
	liveCount := len(members)
	if liveCount == 0 {
		liveCount = 1
	}

	out := state
	for _, topic := range c.cfg.Topics {
		out = rebalancer.RebalanceTopic(ctx, c.cid.NewChild("rebalance/"+topic), out, topic, c.reg, liveCount)
	}
	return out
}

// dispatchFetches runs one Fetcher per broker connection in parallel and
// joins at the end of the cycle.
func (c *Consumer) dispatchFetches(ctx context.Context, state *offsetstate.State, conns map[broker.Addr]*broker.Conn, persist *persister.Persister) ([]fetcher.Result, []fetcher.Error) {
	type out struct {
		result fetcher.Result
	}
	results := make([]out, len(conns))

	var wg sync.WaitGroup
	i := 0
	for addr, conn := range conns {
		owned := offsetstate.ForBroker(state, addr)
		idx := i
		i++
		wg.Add(1)
		go func(addr broker.Addr, conn *broker.Conn, owned []offsetstate.Partition, idx int) {
			defer wg.Done()
			results[idx].result = fetcher.Fetch(ctx, c.cid.NewChild("fetch/"+addr.String()), addr, conn, owned, c.cfg.FetchTimeout, c.messages, persist)
		}(addr, conn, owned, idx)
	}
	wg.Wait()

	var allResults []fetcher.Result
	var allErrs []fetcher.Error
	for _, r := range results {
		allResults = append(allResults, r.result)
		allErrs = append(allErrs, r.result.Errors...)
	}
	return allResults, allErrs
}

func flattenMessages(results []fetcher.Result) []offsetstate.FetchedMessage {
	var out []offsetstate.FetchedMessage
	for _, r := range results {
		out = append(out, r.Messages...)
	}
	return out
}

// checkpointErrors sends the current known offset for every errored
// partition to the loop's persister, which writes it on its next debounce
// flush or when the loop exits, per SPEC_FULL.md §4.5 and the
// error-handling table in §7. p.Offset is the next-to-fetch
// offset, never consumed for an errored partition, so the checkpoint must
// store p.Offset-1 (the last-consumed position) to match the normal path's
// convention (fetcher.go persists the consumed message's own offset) and
// the rebalancer's re-acquire convention of resuming at persisted+1.
func (c *Consumer) checkpointErrors(state *offsetstate.State, errs []fetcher.Error, persist *persister.Persister) {
	for _, e := range errs {
		for _, p := range offsetstate.Flatten(state) {
			if p.Topic == e.Topic && p.Partition == e.Partition {
				persist.Send(persister.Update{Topic: p.Topic, Partition: p.Partition, Offset: p.Offset - 1})
				break
			}
		}
	}
}

// reconnect refetches metadata and rebuilds connections and initial offsets
// from scratch (run has already closed the old connections), per
// SPEC_FULL.md §7 and §11
// open question 3 (locked flags are intentionally not carried across
// reconnects).
func (c *Consumer) reconnect(ctx context.Context) (*offsetstate.State, map[broker.Addr]*broker.Conn, error) {
	layout, err := metadata.Fetch(c.cfg.BootstrapBrokers, c.cfg.Topics, c.saramaConf)
	if err != nil {
		return nil, nil, err
	}
	return bootstrap(c.cfg, c.saramaConf, layout)
}
