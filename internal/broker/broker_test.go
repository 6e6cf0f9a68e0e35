package broker

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltastream/deltastream/internal/models"
)

// anyArgs accepts whatever was issued; used for commands carrying wall-clock
// values (visibility deadlines, retry scores).
func anyArgs(expected, actual []interface{}) error { return nil }

func fixedTask() *Task {
	return &Task{
		ID:         "task-1",
		Kind:       KindEnrichTick,
		Attempt:    1,
		EnqueuedAt: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		Tick: &models.UnderlyingTick{
			Product: "NIFTY", Price: 21543.25, TickID: 42,
			Timestamp: time.Date(2025, 1, 15, 10, 29, 59, 0, time.UTC),
		},
	}
}

func newMockBroker(t *testing.T) (*Broker, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	t.Cleanup(func() { client.Close() })
	return New(client, 120*time.Second), mock
}

func TestTaskCodec(t *testing.T) {
	task := fixedTask()
	data, err := task.Encode()
	require.NoError(t, err)

	decoded, err := DecodeTask(data)
	require.NoError(t, err)
	assert.Equal(t, task, decoded)

	_, err = DecodeTask([]byte("{broken"))
	assert.Error(t, err)
}

func TestTaskConstructors(t *testing.T) {
	tick := &models.UnderlyingTick{Product: "NIFTY", TickID: 1, Price: 100, Timestamp: time.Now()}
	tt := NewTickTask(tick)
	assert.Equal(t, KindEnrichTick, tt.Kind)
	assert.Equal(t, 1, tt.Attempt)
	assert.NotEmpty(t, tt.ID)

	ct := NewChainTask(&models.OptionChain{Product: "NIFTY"})
	assert.Equal(t, KindEnrichChain, ct.Kind)
	assert.NotEqual(t, tt.ID, ct.ID)

	rt := NewRecomputeTask("NIFTY", 300, time.Now())
	require.NotNil(t, rt.Recompute)
	assert.Equal(t, 300, rt.Recompute.Window)
}

func TestEnqueue(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	data, err := task.Encode()
	require.NoError(t, err)

	mock.ExpectRPush(keyPending, data).SetVal(1)
	require.NoError(t, b.Enqueue(context.Background(), task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetch(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	data, err := task.Encode()
	require.NoError(t, err)
	raw := string(data)

	mock.ExpectBLMove(keyPending, keyProcessing, "LEFT", "RIGHT", fetchBlock).SetVal(raw)
	mock.ExpectTxPipeline()
	mock.ExpectHSet(keyInflight, task.ID, raw).SetVal(1)
	mock.CustomMatch(anyArgs).ExpectHSet(keyDeadlines, task.ID, int64(0)).SetVal(1)
	mock.ExpectTxPipelineExec()

	d, err := b.Fetch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, task.ID, d.Task.ID)
	assert.Equal(t, raw, d.raw)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetch_EmptyQueue(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectBLMove(keyPending, keyProcessing, "LEFT", "RIGHT", fetchBlock).RedisNil()
	d, err := b.Fetch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestFetch_DropsUnparseablePayload(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectBLMove(keyPending, keyProcessing, "LEFT", "RIGHT", fetchBlock).SetVal("{broken")
	mock.ExpectLRem(keyProcessing, 1, "{broken").SetVal(1)

	_, err := b.Fetch(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAck(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	data, _ := task.Encode()
	d := &Delivery{Task: task, raw: string(data)}

	mock.ExpectTxPipeline()
	mock.ExpectLRem(keyProcessing, 1, d.raw).SetVal(1)
	mock.ExpectHDel(keyInflight, task.ID).SetVal(1)
	mock.ExpectHDel(keyDeadlines, task.ID).SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, b.Ack(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNack_ImmediateRetryBumpsAttempt(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	data, _ := task.Encode()
	d := &Delivery{Task: task, raw: string(data)}

	retry := *task
	retry.Attempt = 2
	retryData, err := retry.Encode()
	require.NoError(t, err)

	mock.ExpectTxPipeline()
	mock.ExpectLRem(keyProcessing, 1, d.raw).SetVal(1)
	mock.ExpectHDel(keyInflight, task.ID).SetVal(1)
	mock.ExpectHDel(keyDeadlines, task.ID).SetVal(1)
	mock.ExpectRPush(keyPending, retryData).SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, b.Nack(context.Background(), d, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue_PreservesAttempt(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	task.Attempt = 2
	data, _ := task.Encode()
	d := &Delivery{Task: task, raw: string(data)}

	mock.ExpectTxPipeline()
	mock.ExpectLRem(keyProcessing, 1, d.raw).SetVal(1)
	mock.ExpectHDel(keyInflight, task.ID).SetVal(1)
	mock.ExpectHDel(keyDeadlines, task.ID).SetVal(1)
	mock.ExpectRPush(keyPending, d.raw).SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, b.Requeue(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDepth(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectLLen(keyPending).SetVal(7)
	n, err := b.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestPromoteDue(t *testing.T) {
	b, mock := newMockBroker(t)
	raw := `{"id":"task-1"}`

	mock.CustomMatch(anyArgs).ExpectZRangeByScore(keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: 100, // Max is wall clock; anyArgs absorbs it
	}).SetVal([]string{raw})
	mock.ExpectZRem(keyDelayed, raw).SetVal(1)
	mock.ExpectRPush(keyPending, raw).SetVal(1)

	moved, err := b.PromoteDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestPromoteDue_LostRaceSkips(t *testing.T) {
	b, mock := newMockBroker(t)
	raw := `{"id":"task-1"}`

	mock.CustomMatch(anyArgs).ExpectZRangeByScore(keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: 100,
	}).SetVal([]string{raw})
	mock.ExpectZRem(keyDelayed, raw).SetVal(0)

	moved, err := b.PromoteDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestReapExpired(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	data, _ := task.Encode()
	raw := string(data)

	requeued := *task
	requeued.Attempt = 2
	requeuedData, err := requeued.Encode()
	require.NoError(t, err)

	mock.ExpectHGetAll(keyDeadlines).SetVal(map[string]string{task.ID: "1000"}) // long past
	mock.ExpectHGet(keyInflight, task.ID).SetVal(raw)
	mock.ExpectTxPipeline()
	mock.ExpectLRem(keyProcessing, 1, raw).SetVal(1)
	mock.ExpectHDel(keyInflight, task.ID).SetVal(1)
	mock.ExpectHDel(keyDeadlines, task.ID).SetVal(1)
	mock.ExpectRPush(keyPending, requeuedData).SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.ExpectLRange(keyProcessing, 0, -1).SetVal(nil)

	reaped, err := b.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapExpired_FutureDeadlineUntouched(t *testing.T) {
	b, mock := newMockBroker(t)
	future := strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10)

	mock.ExpectHGetAll(keyDeadlines).SetVal(map[string]string{"task-1": future})
	mock.ExpectLRange(keyProcessing, 0, -1).SetVal(nil)

	reaped, err := b.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestFetch_RegistrationFailureReturnsToPending(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	data, err := task.Encode()
	require.NoError(t, err)
	raw := string(data)

	mock.ExpectBLMove(keyPending, keyProcessing, "LEFT", "RIGHT", fetchBlock).SetVal(raw)
	mock.ExpectTxPipeline()
	mock.ExpectHSet(keyInflight, task.ID, raw).SetErr(errors.New("connection reset"))
	mock.CustomMatch(anyArgs).ExpectHSet(keyDeadlines, task.ID, int64(0)).SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.ExpectTxPipeline()
	mock.ExpectLRem(keyProcessing, 1, raw).SetVal(1)
	mock.ExpectRPush(keyPending, raw).SetVal(1)
	mock.ExpectTxPipelineExec()

	d, err := b.Fetch(context.Background())
	assert.Error(t, err)
	assert.Nil(t, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapExpired_OrphanRequeuedOnSecondScan(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	data, _ := task.Encode()
	raw := string(data)

	requeued := *task
	requeued.Attempt = 2
	requeuedData, err := requeued.Encode()
	require.NoError(t, err)

	// First scan notes the unregistered entry but leaves it alone: the
	// fetching consumer may still be between move and registration.
	mock.ExpectHGetAll(keyDeadlines).SetVal(map[string]string{})
	mock.ExpectLRange(keyProcessing, 0, -1).SetVal([]string{raw})
	mock.ExpectHExists(keyInflight, task.ID).SetVal(false)

	reaped, err := b.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reaped)

	// Still orphaned on the second scan: requeued with the attempt bumped.
	mock.ExpectHGetAll(keyDeadlines).SetVal(map[string]string{})
	mock.ExpectLRange(keyProcessing, 0, -1).SetVal([]string{raw})
	mock.ExpectHExists(keyInflight, task.ID).SetVal(false)
	mock.ExpectTxPipeline()
	mock.ExpectLRem(keyProcessing, 1, raw).SetVal(1)
	mock.ExpectRPush(keyPending, requeuedData).SetVal(1)
	mock.ExpectTxPipelineExec()

	reaped, err = b.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapExpired_RegisteredDeliveryNotOrphaned(t *testing.T) {
	b, mock := newMockBroker(t)
	task := fixedTask()
	data, _ := task.Encode()
	raw := string(data)

	mock.ExpectHGetAll(keyDeadlines).SetVal(map[string]string{})
	mock.ExpectLRange(keyProcessing, 0, -1).SetVal([]string{raw})
	mock.ExpectHExists(keyInflight, task.ID).SetVal(true)

	reaped, err := b.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reaped)
	assert.NoError(t, mock.ExpectationsWereMet())
}
