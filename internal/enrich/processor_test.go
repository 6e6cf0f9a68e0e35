package enrich

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltastream/deltastream/internal/analytics"
	"github.com/deltastream/deltastream/internal/broker"
	"github.com/deltastream/deltastream/internal/cache"
	"github.com/deltastream/deltastream/internal/models"
	"github.com/deltastream/deltastream/internal/store"
)

// anyArgs accepts whatever was issued; used for payloads that embed
// processing timestamps.
func anyArgs(expected, actual []interface{}) error { return nil }

func newTestProcessor(t *testing.T) (*Processor, redismock.ClientMock, sqlmock.Sqlmock) {
	t.Helper()
	client, redisMock := redismock.NewClientMock()
	db, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		db.Close()
	})

	p := NewProcessor(
		cache.NewFromClient(client),
		store.NewFromDB(sqlx.NewDb(db, "postgres"), time.Second),
	)
	return p, redisMock, dbMock
}

func testTick() *models.UnderlyingTick {
	return &models.UnderlyingTick{
		Product:   "NIFTY",
		Price:     21543.25,
		TickID:    42,
		Timestamp: time.Date(2025, 1, 15, 10, 30, 12, 0, time.UTC),
	}
}

func testChain() *models.OptionChain {
	ts := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	quote := func(typ models.OptionType, strike, oi int64, last float64) models.OptionQuote {
		return models.OptionQuote{
			Symbol:       models.OptionSymbol("NIFTY", "2025-01-30", typ, strike),
			Product:      "NIFTY",
			Strike:       strike,
			Expiry:       "2025-01-30",
			OptionType:   typ,
			Bid:          last - 1,
			Ask:          last + 1,
			Last:         last,
			Volume:       50,
			OpenInterest: oi,
			IV:           0.15,
			Timestamp:    ts,
		}
	}
	return &models.OptionChain{
		Product:   "NIFTY",
		Expiry:    "2025-01-30",
		SpotPrice: 21543.25,
		Strikes:   []int64{21500, 21600},
		Calls: []models.OptionQuote{
			quote(models.Call, 21500, 100, 70),
			quote(models.Call, 21600, 300, 20),
		},
		Puts: []models.OptionQuote{
			quote(models.Put, 21500, 200, 60),
			quote(models.Put, 21600, 100, 120),
		},
		Timestamp: ts,
	}
}

func TestProcessTick_FirstDelivery(t *testing.T) {
	p, redisMock, dbMock := newTestProcessor(t)
	tick := testTick()
	task := broker.NewTickTask(tick)

	tickJSON, err := json.Marshal(tick)
	require.NoError(t, err)

	redisMock.ExpectSetNX(cache.KeyProcessedTick("NIFTY", 42), "1", cache.IdempotencyTTL).SetVal(true)
	dbMock.ExpectExec(`INSERT INTO underlying_ticks`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	redisMock.ExpectGet(cache.KeyLatestUnderlying("NIFTY")).RedisNil()
	redisMock.ExpectSet(cache.KeyLatestUnderlying("NIFTY"), tickJSON, cache.LatestTTL).SetVal("OK")

	for _, w := range models.Windows {
		window := analytics.NewOHLCWindow(tick, w)
		windowJSON, err := json.Marshal(window)
		require.NoError(t, err)
		redisMock.ExpectGet(cache.KeyOHLC("NIFTY", w)).RedisNil()
		redisMock.ExpectSet(cache.KeyOHLC("NIFTY", w), windowJSON, time.Duration(w)*time.Second).SetVal("OK")
	}
	redisMock.CustomMatch(anyArgs).ExpectPublish(cache.TopicEnrichedUnderlying, "").SetVal(1)

	require.NoError(t, p.Process(context.Background(), task))
	assert.NoError(t, redisMock.ExpectationsWereMet())
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestProcessTick_DuplicateFirstDeliverySkipped(t *testing.T) {
	p, redisMock, _ := newTestProcessor(t)
	task := broker.NewTickTask(testTick())

	redisMock.ExpectSetNX(cache.KeyProcessedTick("NIFTY", 42), "1", cache.IdempotencyTTL).SetVal(false)

	err := p.Process(context.Background(), task)
	assert.ErrorIs(t, err, errSkipped)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestProcessTick_RedeliveryBypassesMark(t *testing.T) {
	// A redelivered task finds its idempotency mark already set by the crashed
	// attempt. It must still re-run the remaining steps; the unique index
	// absorbs the double insert.
	p, redisMock, dbMock := newTestProcessor(t)
	tick := testTick()
	task := broker.NewTickTask(tick)
	task.Attempt = 2

	tickJSON, err := json.Marshal(tick)
	require.NoError(t, err)

	redisMock.ExpectSetNX(cache.KeyProcessedTick("NIFTY", 42), "1", cache.IdempotencyTTL).SetVal(false)
	dbMock.ExpectExec(`INSERT INTO underlying_ticks`).
		WillReturnError(&pq.Error{Code: "23505"})
	redisMock.ExpectGet(cache.KeyLatestUnderlying("NIFTY")).RedisNil()
	redisMock.ExpectSet(cache.KeyLatestUnderlying("NIFTY"), tickJSON, cache.LatestTTL).SetVal("OK")
	for _, w := range models.Windows {
		window := analytics.NewOHLCWindow(tick, w)
		windowJSON, err := json.Marshal(window)
		require.NoError(t, err)
		redisMock.ExpectGet(cache.KeyOHLC("NIFTY", w)).RedisNil()
		redisMock.ExpectSet(cache.KeyOHLC("NIFTY", w), windowJSON, time.Duration(w)*time.Second).SetVal("OK")
	}
	redisMock.CustomMatch(anyArgs).ExpectPublish(cache.TopicEnrichedUnderlying, "").SetVal(1)

	require.NoError(t, p.Process(context.Background(), task))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestProcessTick_StaleTickKeepsNewerLatest(t *testing.T) {
	p, redisMock, dbMock := newTestProcessor(t)
	tick := testTick()
	task := broker.NewTickTask(tick)

	newer := *tick
	newer.TickID = 43
	newer.Timestamp = tick.Timestamp.Add(time.Second)
	newerJSON, err := json.Marshal(&newer)
	require.NoError(t, err)

	redisMock.ExpectSetNX(cache.KeyProcessedTick("NIFTY", 42), "1", cache.IdempotencyTTL).SetVal(true)
	dbMock.ExpectExec(`INSERT INTO underlying_ticks`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// A newer tick is cached already: no Set on the latest key.
	redisMock.ExpectGet(cache.KeyLatestUnderlying("NIFTY")).SetVal(string(newerJSON))
	for _, w := range models.Windows {
		window := analytics.NewOHLCWindow(tick, w)
		windowJSON, err := json.Marshal(window)
		require.NoError(t, err)
		redisMock.ExpectGet(cache.KeyOHLC("NIFTY", w)).RedisNil()
		redisMock.ExpectSet(cache.KeyOHLC("NIFTY", w), windowJSON, time.Duration(w)*time.Second).SetVal("OK")
	}
	redisMock.CustomMatch(anyArgs).ExpectPublish(cache.TopicEnrichedUnderlying, "").SetVal(1)

	require.NoError(t, p.Process(context.Background(), task))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestProcessTick_InvalidIsPermanent(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	tick := testTick()
	tick.Price = -1
	task := broker.NewTickTask(tick)

	err := p.Process(context.Background(), task)
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}

func TestProcessChain(t *testing.T) {
	p, redisMock, dbMock := newTestProcessor(t)
	chain := testChain()
	task := broker.NewChainTask(chain)
	markKey := cache.KeyProcessedChain("NIFTY", "2025-01-30", chain.IdentityHash())

	enriched := analytics.Enrich(chain, time.Now().UTC())
	points := analytics.SurfacePoints(&enriched)
	chainJSON, err := json.Marshal(enriched)
	require.NoError(t, err)

	redisMock.ExpectSetNX(markKey, "1", cache.IdempotencyTTL).SetVal(true)
	dbMock.ExpectExec(`INSERT INTO option_chains`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	redisMock.CustomMatch(anyArgs).ExpectSet(cache.KeyLatestChain("NIFTY", "2025-01-30"), "", cache.LatestTTL).SetVal("OK")
	redisMock.CustomMatch(anyArgs).ExpectSet(cache.KeyLatestPCR("NIFTY", "2025-01-30"), "", cache.LatestTTL).SetVal("OK")
	redisMock.ExpectSAdd("expiries:NIFTY", "2025-01-30").SetVal(1)

	// Surface rebuild reads every known expiry's latest chain.
	redisMock.ExpectSMembers("expiries:NIFTY").SetVal([]string{"2025-01-30"})
	redisMock.ExpectGet(cache.KeyLatestChain("NIFTY", "2025-01-30")).SetVal(string(chainJSON))

	members := make([]redis.Z, 0, len(points))
	for _, pt := range points {
		data, err := json.Marshal(pt)
		require.NoError(t, err)
		members = append(members, redis.Z{Score: float64(pt.Strike), Member: string(data)})
	}
	surfaceKey := cache.KeyIVSurface("NIFTY")
	redisMock.ExpectTxPipeline()
	redisMock.ExpectDel(surfaceKey).SetVal(1)
	redisMock.ExpectZAdd(surfaceKey, members...).SetVal(int64(len(members)))
	redisMock.ExpectExpire(surfaceKey, cache.LatestTTL).SetVal(true)
	redisMock.ExpectTxPipelineExec()

	redisMock.CustomMatch(anyArgs).ExpectPublish(cache.TopicEnrichedChain, "").SetVal(1)

	require.NoError(t, p.Process(context.Background(), task))
	assert.NoError(t, redisMock.ExpectationsWereMet())
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestProcessChain_DuplicateSkipped(t *testing.T) {
	p, redisMock, _ := newTestProcessor(t)
	chain := testChain()
	task := broker.NewChainTask(chain)
	markKey := cache.KeyProcessedChain("NIFTY", "2025-01-30", chain.IdentityHash())

	redisMock.ExpectSetNX(markKey, "1", cache.IdempotencyTTL).SetVal(false)

	err := p.Process(context.Background(), task)
	assert.ErrorIs(t, err, errSkipped)
}

func TestProcessChain_InvalidIsPermanent(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	chain := testChain()
	chain.Strikes = nil
	chain.Calls = nil
	chain.Puts = nil

	err := p.Process(context.Background(), broker.NewChainTask(chain))
	require.Error(t, err)
	assert.True(t, isPermanent(err))
	assert.ErrorIs(t, err, models.ErrInvalid)
}

func TestProcessRecompute(t *testing.T) {
	p, redisMock, dbMock := newTestProcessor(t)
	tStart := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	task := broker.NewRecomputeTask("NIFTY", 300, tStart)

	ticks := []models.UnderlyingTick{
		{Product: "NIFTY", TickID: 1, Price: 100, Timestamp: tStart.Add(10 * time.Second)},
		{Product: "NIFTY", TickID: 2, Price: 102, Timestamp: tStart.Add(20 * time.Second)},
	}
	dbMock.ExpectQuery(`ORDER BY ts ASC`).
		WithArgs("NIFTY", tStart, tStart.Add(300*time.Second)).
		WillReturnRows(sqlmock.NewRows([]string{"product", "tick_id", "price", "ts"}).
			AddRow("NIFTY", int64(1), 100.0, ticks[0].Timestamp).
			AddRow("NIFTY", int64(2), 102.0, ticks[1].Timestamp))

	window, seeded := analytics.RebuildWindow("NIFTY", 300, tStart, ticks)
	require.True(t, seeded)
	windowJSON, err := json.Marshal(window)
	require.NoError(t, err)
	redisMock.ExpectSet(cache.KeyOHLC("NIFTY", 300), windowJSON, 300*time.Second).SetVal("OK")

	require.NoError(t, p.Process(context.Background(), task))
	assert.NoError(t, redisMock.ExpectationsWereMet())
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestProcessRecompute_NoTicksClearsWindow(t *testing.T) {
	p, redisMock, dbMock := newTestProcessor(t)
	tStart := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	task := broker.NewRecomputeTask("NIFTY", 60, tStart)

	dbMock.ExpectQuery(`ORDER BY ts ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"product", "tick_id", "price", "ts"}))
	redisMock.ExpectDel(cache.KeyOHLC("NIFTY", 60)).SetVal(1)

	require.NoError(t, p.Process(context.Background(), task))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestProcessRecompute_UnsupportedWindow(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	task := broker.NewRecomputeTask("NIFTY", 7, time.Now())

	err := p.Process(context.Background(), task)
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}

func TestProcess_MissingPayloadIsPermanent(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	for _, kind := range []broker.Kind{broker.KindEnrichTick, broker.KindEnrichChain, broker.KindRecomputeOHLC} {
		err := p.Process(context.Background(), &broker.Task{ID: "t", Kind: kind, Attempt: 1})
		require.Error(t, err, string(kind))
		assert.True(t, isPermanent(err), string(kind))
	}

	err := p.Process(context.Background(), &broker.Task{ID: "t", Kind: "resize_cluster", Attempt: 1})
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}

func TestWindowLocks(t *testing.T) {
	locks := newWindowLocks()
	a := locks.get("NIFTY", 60)
	b := locks.get("NIFTY", 60)
	c := locks.get("NIFTY", 300)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
