package persister_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohitnagrath/kafka-fast/internal/actor"
	"github.com/mohitnagrath/kafka-fast/persister"
)

type fakeKV struct {
	mu    sync.Mutex
	calls []map[string]string
}

func (f *fakeKV) Set(pairs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]string, len(pairs))
	for k, v := range pairs {
		cp[k] = v
	}
	f.calls = append(f.calls, cp)
	return nil
}

func (f *fakeKV) snapshot() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.calls...)
}

func TestPersister_FlushOnClose_CoalescesToLatestValue(t *testing.T) {
	kv := &fakeKV{}
	p := persister.New(actor.RootID.NewChild("test"), kv, time.Hour)

	p.Send(persister.Update{Topic: "x", Partition: 0, Offset: 10})
	p.Send(persister.Update{Topic: "x", Partition: 0, Offset: 12})
	p.Send(persister.Update{Topic: "x", Partition: 1, Offset: 4})
	p.Close()

	calls := kv.snapshot()
	require.Len(t, calls, 1, "exactly one write on close")
	assert.Equal(t, map[string]string{"x/0": "12", "x/1": "4"}, calls[0])
}

func TestPersister_FlushesOnDebounceTimer(t *testing.T) {
	kv := &fakeKV{}
	p := persister.New(actor.RootID.NewChild("test"), kv, 20*time.Millisecond)
	defer p.Close()

	p.Send(persister.Update{Topic: "x", Partition: 0, Offset: 1})

	require.Eventually(t, func() bool {
		return len(kv.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	calls := kv.snapshot()
	assert.Equal(t, "1", calls[0]["x/0"])
}

func TestPersister_CloseWithNothingPending_WritesNothing(t *testing.T) {
	kv := &fakeKV{}
	p := persister.New(actor.RootID.NewChild("test"), kv, time.Hour)
	p.Close()

	assert.Empty(t, kv.snapshot())
}
