package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"snapshotter/internal/config"
	"snapshotter/pkg/models"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const migrationsDir = "migrations"

// PostgresStore 基于Postgres的快照存储
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStore 连接Postgres，按配置执行迁移
func NewPostgresStore(ctx context.Context, cfg *config.PostgresConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := OpenPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("已连接Postgres快照存储")
	return &PostgresStore{db: db, logger: logger}, nil
}

// OpenPostgres 打开连接池并检查连通性
func OpenPostgres(ctx context.Context, cfg *config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接Postgres失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ParseDuration(cfg.MaxConnLifetime, 5*time.Minute))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Postgres连接测试失败: %w", err)
	}

	return db, nil
}

// Migrate 执行内嵌的数据库迁移
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("设置迁移方言失败: %w", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("执行数据库迁移失败: %w", err)
	}
	return nil
}

const selectColumns = `id, account_id, snapshot_at_block, free_balance::text, reserve_balance::text, total_balance::text, block_timestamp`

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.AccountSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM account_snapshots WHERE id = $1`, id)

	snapshot, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询快照 %s 失败: %w", id, err)
	}
	return snapshot, nil
}

func (s *PostgresStore) Save(ctx context.Context, snapshot *models.AccountSnapshot) (bool, error) {
	query := `INSERT INTO account_snapshots
	          (id, account_id, snapshot_at_block, free_balance, reserve_balance, total_balance, block_timestamp)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		snapshot.ID,
		snapshot.AccountID,
		int64(snapshot.SnapshotAtBlock),
		snapshot.FreeBalance.Dec(),
		snapshot.ReserveBalance.Dec(),
		snapshot.TotalBalance.Dec(),
		snapshot.Timestamp.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("写入快照 %s 失败: %w", snapshot.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取写入结果失败: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.AccountSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM account_snapshots
		 WHERE account_id = $1 ORDER BY snapshot_at_block DESC LIMIT $2`,
		accountID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询账户快照失败: %w", err)
	}
	defer rows.Close()

	result := make([]*models.AccountSnapshot, 0)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snapshot)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM account_snapshots`).Scan(&count); err != nil {
		return 0, fmt.Errorf("统计快照失败: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSnapshot NUMERIC 以文本读取，避免驱动转换精度
func scanSnapshot(row rowScanner) (*models.AccountSnapshot, error) {
	var (
		r     record
		block int64
	)
	if err := row.Scan(&r.ID, &r.AccountID, &block, &r.FreeBalance, &r.ReserveBalance, &r.TotalBalance, &r.Timestamp); err != nil {
		return nil, err
	}
	r.SnapshotAtBlock = uint64(block)
	return r.toSnapshot()
}
