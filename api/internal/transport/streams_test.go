package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Pavan0228/SnapDeploy/api/internal/service/ingest"
)

type fakeClient struct {
	groupErr   error
	groups     []string
	reads      []*redis.XReadGroupArgs
	readResult func(args *redis.XReadGroupArgs) ([]redis.XStream, error)
	claims     []*redis.XAutoClaimArgs
	claimed    map[string][]redis.XMessage
	heartbeats []*redis.XClaimArgs
	acked      []string
}

func (f *fakeClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	f.groups = append(f.groups, stream)
	cmd := redis.NewStatusCmd(ctx)
	if f.groupErr != nil {
		cmd.SetErr(f.groupErr)
	}
	return cmd
}

func (f *fakeClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.reads = append(f.reads, a)
	cmd := redis.NewXStreamSliceCmd(ctx)
	res, err := f.readResult(a)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal(res)
	return cmd
}

func (f *fakeClient) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	f.claims = append(f.claims, a)
	cmd := redis.NewXAutoClaimCmd(ctx)
	cmd.SetVal(f.claimed[a.Stream], "0-0")
	return cmd
}

func (f *fakeClient) XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd {
	f.heartbeats = append(f.heartbeats, a)
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(a.Messages)
	return cmd
}

func (f *fakeClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	for _, id := range ids {
		f.acked = append(f.acked, stream+"/"+id)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func newTestConsumer(client Client) *Consumer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConsumer(client, logger, Options{
		Topic:       "container-logs",
		Partitions:  2,
		Group:       "api-server-logs-consumer",
		Name:        "api-1",
		BatchSize:   10,
		Block:       time.Second,
		ReclaimIdle: time.Minute,
	})
}

func isNewRead(a *redis.XReadGroupArgs) bool {
	return a.Streams[len(a.Streams)-1] == ">"
}

func TestFetchReplaysPendingBeforeNew(t *testing.T) {
	client := &fakeClient{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}
	pendingServed := false
	client.readResult = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		if isNewRead(a) {
			return []redis.XStream{{Stream: "container-logs:1", Messages: []redis.XMessage{
				{ID: "5-0", Values: map[string]interface{}{"payload": `{"deploymentId":"d","log":"new"}`}},
			}}}, nil
		}
		if !pendingServed {
			pendingServed = true
			return []redis.XStream{
				{Stream: "container-logs:0", Messages: []redis.XMessage{
					{ID: "1-0", Values: map[string]interface{}{"payload": `{"deploymentId":"d","log":"old"}`}},
				}},
				{Stream: "container-logs:1"},
			}, nil
		}
		return []redis.XStream{{Stream: "container-logs:0"}}, nil
	}
	c := newTestConsumer(client)
	ctx := context.Background()

	msgs, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "1-0" || msgs[0].Stream != "container-logs:0" {
		t.Fatalf("expected pending entry first, got %+v", msgs)
	}
	if len(client.groups) != 2 {
		t.Fatalf("expected group ensure on both partitions, got %v", client.groups)
	}
	first := client.reads[0]
	if first.Block != -1 || len(first.Streams) != 4 || first.Streams[2] != "0" {
		t.Fatalf("unexpected pending read args: %+v", first)
	}

	// Second fetch continues the drain on partition 0 from the last id, then
	// finds it empty and falls through to new entries.
	msgs, err = c.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	second := client.reads[1]
	if len(second.Streams) != 2 || second.Streams[0] != "container-logs:0" || second.Streams[1] != "1-0" {
		t.Fatalf("expected cursor continuation on partition 0, got %v", second.Streams)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != `{"deploymentId":"d","log":"new"}` {
		t.Fatalf("expected new entry, got %+v", msgs)
	}
	if len(client.claims) != 2 {
		t.Fatalf("expected reclaim pass over both partitions, got %d", len(client.claims))
	}
	if client.claims[0].MinIdle != time.Minute || client.claims[0].Start != "0-0" {
		t.Fatalf("unexpected reclaim args: %+v", client.claims[0])
	}
	if last := client.reads[len(client.reads)-1]; last.Block != time.Second || last.Count != 10 {
		t.Fatalf("unexpected new read args: %+v", last)
	}
}

func TestFetchReturnsReclaimedEntries(t *testing.T) {
	client := &fakeClient{
		claimed: map[string][]redis.XMessage{
			"container-logs:1": {{ID: "3-0", Values: map[string]interface{}{"payload": "x"}}},
		},
	}
	client.readResult = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		if isNewRead(a) {
			t.Fatalf("new entries should wait until reclaimed ones are handled")
		}
		return nil, redis.Nil
	}
	c := newTestConsumer(client)
	msgs, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "3-0" || msgs[0].Stream != "container-logs:1" {
		t.Fatalf("expected reclaimed entry, got %+v", msgs)
	}
}

func TestFetchTreatsBlockTimeoutAsEmpty(t *testing.T) {
	client := &fakeClient{}
	client.readResult = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		return nil, redis.Nil
	}
	c := newTestConsumer(client)
	msgs, err := c.Fetch(context.Background())
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty batch, got %v %v", msgs, err)
	}
}

func TestFetchErrorResetsConsumer(t *testing.T) {
	client := &fakeClient{}
	fail := true
	client.readResult = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		if fail {
			return nil, errors.New("connection reset by peer")
		}
		return nil, redis.Nil
	}
	c := newTestConsumer(client)
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatalf("expected transport error")
	}
	fail = false
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch after reset: %v", err)
	}
	if len(client.groups) != 4 {
		t.Fatalf("expected groups re-ensured after failure, got %d calls", len(client.groups))
	}
	if client.reads[1].Streams[2] != "0" {
		t.Fatalf("expected pending replay from the start after reset, got %v", client.reads[1].Streams)
	}
}

func TestFetchFailsOnGroupCreateError(t *testing.T) {
	client := &fakeClient{groupErr: errors.New("NOAUTH Authentication required")}
	client.readResult = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		t.Fatalf("read should not run without a group")
		return nil, nil
	}
	c := newTestConsumer(client)
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatalf("expected group create error")
	}
}

func TestAckAndHeartbeat(t *testing.T) {
	client := &fakeClient{}
	c := newTestConsumer(client)
	ctx := context.Background()
	batch := []ingest.Message{
		{Stream: "container-logs:0", ID: "1-0"},
		{Stream: "container-logs:0", ID: "2-0"},
		{Stream: "container-logs:1", ID: "1-1"},
	}
	if err := c.Heartbeat(ctx, batch); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(client.heartbeats) != 2 {
		t.Fatalf("expected one claim per stream, got %d", len(client.heartbeats))
	}
	for _, hb := range client.heartbeats {
		if hb.MinIdle != 0 || hb.Consumer != "api-1" {
			t.Fatalf("unexpected heartbeat args: %+v", hb)
		}
	}
	if err := c.Ack(ctx, batch[2]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(client.acked) != 1 || client.acked[0] != "container-logs:1/1-1" {
		t.Fatalf("unexpected acks: %v", client.acked)
	}
}
