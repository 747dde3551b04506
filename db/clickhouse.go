package db

import (
	"context"
	"fmt"
	"time"

	"integrate_clickhouse/config"
	"integrate_clickhouse/middleware"
	"integrate_clickhouse/models"
	"integrate_clickhouse/monitoring"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const createTicksTableSQL = `
CREATE TABLE IF NOT EXISTS market_ticks (
    timestamp DateTime64(3),
    exchange LowCardinality(String),
    token String,
    trading_symbol String,
    last_price Decimal(18, 4),
    change_percent Decimal(18, 4),
    volume Int64,
    bid_price Decimal(18, 4),
    ask_price Decimal(18, 4),
    bid_qty Int64,
    ask_qty Int64,
    open_price Decimal(18, 4),
    high_price Decimal(18, 4),
    low_price Decimal(18, 4),
    close_price Decimal(18, 4),
    avg_price Decimal(18, 4)
) ENGINE = MergeTree()
ORDER BY (exchange, token, timestamp)
`

const createOrderUpdatesTableSQL = `
CREATE TABLE IF NOT EXISTS order_updates (
    timestamp DateTime64(3),
    order_id String,
    account_id String,
    exchange LowCardinality(String),
    trading_symbol String,
    token String,
    side LowCardinality(String),
    status LowCardinality(String),
    report_type LowCardinality(String),
    quantity Int64,
    filled_qty Int64,
    price Decimal(18, 4),
    avg_price Decimal(18, 4),
    reject_reason String
) ENGINE = MergeTree()
ORDER BY (account_id, order_id, timestamp)
`

const lastTickSQL = `
SELECT timestamp, exchange, token, trading_symbol, last_price, change_percent, volume,
       bid_price, ask_price, bid_qty, ask_qty, open_price, high_price, low_price, close_price, avg_price
FROM market_ticks
WHERE exchange = ? AND token = ?
ORDER BY timestamp DESC
LIMIT 1
`

type ClickHouseDB struct {
	conn    driver.Conn
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewClickHouseDB(ctx context.Context, cfg config.ClickHouseConfig, log *zap.SugaredLogger) (*ClickHouseDB, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Protocol:        clickhouse.Native,
		Debug:           cfg.Debug,
		Debugf:          log.Debugf,
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	db := &ClickHouseDB{
		conn:    conn,
		breaker: middleware.NewCircuitBreaker("clickhouse", middleware.DefaultBreakerSettings(), log),
		timeout: cfg.QueryTimeout,
		log:     log,
	}
	if err := db.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.createTables(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *ClickHouseDB) createTables(ctx context.Context) error {
	for _, ddl := range []string{createTicksTableSQL, createOrderUpdatesTableSQL} {
		if err := db.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if err := db.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping: %w", err)
	}
	return nil
}

func (db *ClickHouseDB) InsertTicks(ctx context.Context, ticks []models.MarketTick) error {
	if len(ticks) == 0 {
		return nil
	}
	return db.insert(ctx, "insert_ticks", "INSERT INTO market_ticks", len(ticks), func(batch driver.Batch) error {
		for i := range ticks {
			if err := batch.AppendStruct(&ticks[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *ClickHouseDB) InsertOrderUpdates(ctx context.Context, updates []models.OrderUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return db.insert(ctx, "insert_order_updates", "INSERT INTO order_updates", len(updates), func(batch driver.Batch) error {
		for i := range updates {
			if err := batch.AppendStruct(&updates[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *ClickHouseDB) insert(ctx context.Context, operation, query string, rows int, fill func(driver.Batch) error) error {
	start := time.Now()
	defer func() {
		monitoring.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	return middleware.WithCircuitBreaker(ctx, db.breaker, operation, func() error {
		batch, err := db.conn.PrepareBatch(ctx, query)
		if err != nil {
			return err
		}
		if err := fill(batch); err != nil {
			_ = batch.Abort()
			return err
		}
		if err := batch.Send(); err != nil {
			return err
		}
		db.log.Debugw("Batch stored", "operation", operation, "rows", rows)
		return nil
	})
}

// LastTick returns the most recent stored tick for key.
func (db *ClickHouseDB) LastTick(ctx context.Context, key models.SymbolKey) (models.MarketTick, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var tick models.MarketTick
	err := db.conn.QueryRow(ctx, lastTickSQL, key.Exchange(), key.Token()).ScanStruct(&tick)
	monitoring.QueryDuration.WithLabelValues("last_tick").Observe(time.Since(start).Seconds())
	if err != nil {
		return models.MarketTick{}, fmt.Errorf("last tick %s: %w", key, err)
	}
	return tick, nil
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}

func (db *ClickHouseDB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.timeout)
}
