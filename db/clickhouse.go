package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"dex_aggregator/models"
	"dex_aggregator/utils"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS token_snapshots (
    timestamp DateTime64(3),
    chain LowCardinality(String),
    address String,
    symbol String,
    price Float64,
    liquidity Float64,
    volume_24h Float64,
    market_cap Float64,
    sources Array(String)
) ENGINE = MergeTree()
ORDER BY (chain, address, timestamp)
`

type Options struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB connects, retrying with exponential backoff until ctx ends,
// and makes sure the snapshot table exists.
func NewClickHouseDB(ctx context.Context, opts Options, log *zap.SugaredLogger) (*ClickHouseDB, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var conn driver.Conn
	connect := func() error {
		c, err := clickhouse.Open(&clickhouse.Options{
			Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
			Auth: clickhouse.Auth{
				Database: opts.Database,
				Username: opts.Username,
				Password: opts.Password,
			},
			Protocol: clickhouse.Native,
			Settings: clickhouse.Settings{
				"max_execution_time": 60,
			},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return err
		}
		conn = c
		return nil
	}

	err := backoff.RetryNotify(connect, backoff.WithContext(utils.NewExponentialBackoff(), ctx),
		func(err error, d time.Duration) {
			log.Warnw("ClickHouse not reachable, retrying", "error", err, "retry_in", d)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	db := &ClickHouseDB{conn: conn}
	if err := db.createTable(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create token_snapshots: %w", err)
	}
	return db, nil
}

func (db *ClickHouseDB) createTable(ctx context.Context) error {
	return db.conn.Exec(ctx, createTableSQL)
}

func (db *ClickHouseDB) InsertTicks(ctx context.Context, ticks []models.TokenTick) error {
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO token_snapshots")
	if err != nil {
		return err
	}

	for i := range ticks {
		if err := batch.AppendStruct(&ticks[i]); err != nil {
			_ = batch.Abort()
			return err
		}
	}

	return batch.Send()
}

// LastSnapshot returns the newest stored row for one token.
func (db *ClickHouseDB) LastSnapshot(ctx context.Context, chain, address string) (*models.TokenTick, error) {
	var tick models.TokenTick
	row := db.conn.QueryRow(ctx, `
		SELECT timestamp, chain, address, symbol, price, liquidity, volume_24h, market_cap, sources
		FROM token_snapshots
		WHERE chain = ? AND address = ?
		ORDER BY timestamp DESC
		LIMIT 1`, chain, address)
	if err := row.ScanStruct(&tick); err != nil {
		return nil, err
	}
	return &tick, nil
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}
