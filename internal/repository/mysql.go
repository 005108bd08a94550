package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/lyricvote/config"
	"github.com/lvdashuaibi/lyricvote/internal/model"
	"go.uber.org/zap"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

// schemaStatements 建表语句，可重复执行
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS votes (
		album VARCHAR(255) NOT NULL,
		song_name VARCHAR(255) NOT NULL,
		lyric VARCHAR(255) NOT NULL,
		num_upvotes BIGINT NOT NULL DEFAULT 0,
		num_downvotes BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (album, song_name, lyric)
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS feedback (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		time DATETIME NOT NULL,
		album VARCHAR(255) NOT NULL,
		song_name VARCHAR(255) NOT NULL,
		lyric TEXT NOT NULL,
		message TEXT NOT NULL,
		contact VARCHAR(255) NOT NULL DEFAULT ''
	) DEFAULT CHARSET=utf8mb4`,
}

type MySQLRepository struct {
	masterDB     *sql.DB
	slaveDB      *sql.DB
	queryTimeout time.Duration
	logger       *zap.Logger
}

func NewMySQLRepository(cfg config.MySQLConfig, logger *zap.Logger) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sql.Open("mysql", cfg.Slave)
		if err != nil {
			masterDB.Close()
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}

		slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
		slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			logger.Warn("从数据库连接测试失败，将使用主数据库代替", zap.Error(err))
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryFromDB(masterDB, slaveDB, cfg.QueryTimeout, logger), nil
}

// NewMySQLRepositoryFromDB 使用已打开的连接池创建仓库，slave为nil时读写都走master
func NewMySQLRepositoryFromDB(master, slave *sql.DB, queryTimeout time.Duration, logger *zap.Logger) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}
	return &MySQLRepository{
		masterDB:     master,
		slaveDB:      slave,
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// EnsureSchema 创建表结构
func (r *MySQLRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

// RecordVote 插入歌词行(不存在时)并增加对应票数
//
// 单条upsert语句，同一行的并发投票不会死锁
func (r *MySQLRepository) RecordVote(ctx context.Context, album, songName, lyric string, isUpvote bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	column := "num_downvotes"
	up, down := 0, 1
	if isUpvote {
		column = "num_upvotes"
		up, down = 1, 0
	}
	query := fmt.Sprintf(`INSERT INTO votes (album, song_name, lyric, num_upvotes, num_downvotes)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE %[1]s = %[1]s + 1`, column)

	if _, err := r.masterDB.ExecContext(ctx, query, album, songName, lyric, up, down); err != nil {
		return fmt.Errorf("更新歌词票数失败: %w", err)
	}
	return nil
}

// GetLyricVote 查询歌词行的票数
func (r *MySQLRepository) GetLyricVote(ctx context.Context, album, songName, lyric string) (*model.LyricVote, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := `SELECT album, song_name, lyric, num_upvotes, num_downvotes
			 FROM votes
			 WHERE album = ? AND song_name = ? AND lyric = ?`

	var vote model.LyricVote
	err := r.slaveDB.QueryRowContext(ctx, query, album, songName, lyric).Scan(
		&vote.Album,
		&vote.SongName,
		&vote.Lyric,
		&vote.NumUpvotes,
		&vote.NumDownvotes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询歌词票数失败: %w", err)
	}
	return &vote, nil
}

// InsertFeedback 保存文字反馈，返回自增ID
func (r *MySQLRepository) InsertFeedback(ctx context.Context, at time.Time, feedback model.Feedback) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	result, err := r.masterDB.ExecContext(ctx,
		"INSERT INTO feedback (time, album, song_name, lyric, message, contact) VALUES (?, ?, ?, ?, ?, ?)",
		at.UTC(),
		feedback.Album,
		feedback.Song,
		feedback.Lyric,
		feedback.Message,
		feedback.Contact,
	)
	if err != nil {
		return 0, fmt.Errorf("保存反馈失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取反馈ID失败: %w", err)
	}
	return id, nil
}

// Ping 检查主库连接
func (r *MySQLRepository) Ping(ctx context.Context) error {
	return r.masterDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
