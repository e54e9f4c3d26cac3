package datacache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, zerolog.Nop()), mr, client
}

func subscribe(t *testing.T, client *redis.Client, channel string) <-chan *redis.Message {
	t.Helper()
	ps := client.Subscribe(context.Background(), channel)
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return ps.Channel()
}

// receive collects the payloads of the next n notices.
func receive(t *testing.T, ch <-chan *redis.Message, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(time.Second)
	for len(got) < n {
		select {
		case msg := <-ch:
			got = append(got, msg.Payload)
		case <-timeout:
			t.Fatalf("received %d of %d notices: %v", len(got), n, got)
		}
	}
	return got
}

func TestStorePublishesChangedFields(t *testing.T) {
	ctx := context.Background()
	s, mr, client := newRedisStore(t)
	notices := subscribe(t, client, KeyCellular)

	info := CellularInfo{State: ServiceOn, ModemState: ModemOff, SignalDBM: -91}
	require.NoError(t, s.PublishCellularInfo(ctx, info))

	assert.Equal(t, "on", mr.HGet(KeyCellular, "state"))
	assert.Equal(t, "-91", mr.HGet(KeyCellular, "signal-dbm"))
	var fields []string
	for f := range info.fields() {
		fields = append(fields, f)
	}
	assert.ElementsMatch(t, fields, receive(t, notices, len(fields)))

	// an identical status is not written again
	require.NoError(t, s.PublishCellularInfo(ctx, info))

	info.SignalDBM = -87
	require.NoError(t, s.PublishCellularInfo(ctx, info))
	assert.Equal(t, []string{"signal-dbm"}, receive(t, notices, 1))
	assert.Equal(t, "-87", mr.HGet(KeyCellular, "signal-dbm"))

	select {
	case msg := <-notices:
		t.Fatalf("unexpected notice %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStoreRetriesAfterFailedWrite(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newRedisStore(t)

	mr.Close()
	assert.Error(t, s.PublishDataInfo(ctx, DataInfo{State: ServiceOn}))

	require.NoError(t, mr.Restart())
	require.NoError(t, s.PublishDataInfo(ctx, DataInfo{State: ServiceOn}))
	assert.Equal(t, "on", mr.HGet(KeyData, "state"), "a failed write is not remembered")
}

func TestStoreReads(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newRedisStore(t)
	base := DefaultParams()

	p, err := s.ReadParams(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, base, p, "missing hash keeps the base")

	mr.HSet(KeyParams, "target-state", "sim-only", "slot:0:type", "modem-socket", "slot:0:apn", "iot.example")
	p, err = s.ReadParams(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, TargetSimOnly, p.TargetState)
	assert.Equal(t, "iot.example", p.SimSlots[0].APN)

	mr.HSet(KeyParams, "target-state", "sometimes")
	_, err = s.ReadParams(ctx, base)
	assert.Error(t, err)

	mr.HSet(KeyTarget, "state", "on", "target", "off")
	cmd, err := s.ReadTargetCommand(ctx)
	require.NoError(t, err)
	assert.Equal(t, TargetCommand{State: ServiceOn, Target: TargetOff}, cmd)

	mr.HSet(KeyData, "state", "fail")
	info, err := s.ReadDataInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, ServiceFail, info.State)
}

// watch runs Store.Watch until the test ends and returns the delivered entries.
func watch(t *testing.T, s *Store, mr *miniredis.Miniredis) <-chan Entry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan Entry, 8)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func(e Entry) { entries <- e })
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("watch did not stop")
		}
	})

	require.Eventually(t, func() bool {
		n := mr.PubSubNumSub(KeyData, KeyTarget)
		return n[KeyData] == 1 && n[KeyTarget] == 1
	}, time.Second, 5*time.Millisecond)
	return entries
}

func TestWatchMapsChannelsToEntries(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	entries := watch(t, s, mr)

	mr.Publish(KeyTarget, "target")
	mr.Publish(KeySim, "state")
	mr.HSet(KeyData, "state", "fail")
	mr.Publish(KeyData, "state")

	var got []Entry
	require.Eventually(t, func() bool {
		select {
		case e := <-entries:
			got = append(got, e)
		default:
		}
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Entry{EntryTargetCommand, EntryDataInfo}, got)
}

func TestWatchSkipsOwnDataWrites(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	entries := watch(t, s, mr)

	require.NoError(t, s.PublishDataInfo(context.Background(), DataInfo{State: ServiceOn}))
	assert.Never(t, func() bool { return len(entries) > 0 }, 100*time.Millisecond, 5*time.Millisecond)

	// another service marks the data connection failed
	mr.HSet(KeyData, "state", "fail")
	mr.Publish(KeyData, "state")
	require.Eventually(t, func() bool { return len(entries) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EntryDataInfo, <-entries)
}
