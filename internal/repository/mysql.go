package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"go.uber.org/zap"
)

const (
	PollSchema = `CREATE TABLE IF NOT EXISTS poll_messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		message_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		creator_name VARCHAR(255) NOT NULL DEFAULT '',
		clan_id VARCHAR(64) NOT NULL,
		channel_id VARCHAR(64) NOT NULL,
		is_channel_public TINYINT(1) NOT NULL DEFAULT 1,
		mode_message INT NOT NULL DEFAULT 0,
		color VARCHAR(16) NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		create_at BIGINT NOT NULL,
		expire_at BIGINT NOT NULL,
		deleted TINYINT(1) NOT NULL DEFAULT 0,
		state VARCHAR(16) NOT NULL DEFAULT 'OPEN',
		poll_result JSON NULL,
		KEY idx_message_channel (message_id, channel_id),
		KEY idx_expire_deleted (deleted, expire_at)
	)`

	UserSchema = `CREATE TABLE IF NOT EXISTS users (
		user_id VARCHAR(64) PRIMARY KEY,
		username VARCHAR(255) NOT NULL DEFAULT '',
		clan_nick VARCHAR(255) NOT NULL DEFAULT '',
		avatar VARCHAR(512) NOT NULL DEFAULT '',
		amount DECIMAL(24,2) NOT NULL DEFAULT 0,
		amount_used_slots DECIMAL(24,2) NOT NULL DEFAULT 0,
		jack_pot DECIMAL(24,2) NOT NULL DEFAULT 0,
		jack_pot_1k DECIMAL(24,2) NOT NULL DEFAULT 0,
		jack_pot_3k DECIMAL(24,2) NOT NULL DEFAULT 0,
		ban JSON NULL,
		KEY idx_username (username)
	)`

	pollColumns = `id, message_id, user_id, creator_name, clan_id, channel_id, is_channel_public,
		mode_message, color, content, create_at, expire_at, deleted, state, poll_result`

	userColumns = `user_id, username, clan_nick, avatar, amount, amount_used_slots,
		jack_pot, jack_pot_1k, jack_pot_3k, ban`
)

// pollContent 标题+模式+选项的编码形式，存入 content 列
type pollContent struct {
	Title   string           `json:"title"`
	Type    model.ChoiceMode `json:"type"`
	Options []string         `json:"options"`
}

// EncodeContent 编码标题、模式与选项
func EncodeContent(title string, mode model.ChoiceMode, options []string) (string, error) {
	data, err := json.Marshal(pollContent{Title: title, Type: mode, Options: options})
	if err != nil {
		return "", fmt.Errorf("序列化投票内容失败: %w", err)
	}
	return string(data), nil
}

// DecodeContent 解码 content 列
func DecodeContent(content string) (string, model.ChoiceMode, []string, error) {
	var c pollContent
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return "", "", nil, fmt.Errorf("解析投票内容失败: %w", err)
	}
	if !c.Type.Valid() {
		return "", "", nil, fmt.Errorf("未知投票模式: %s", c.Type)
	}
	return c.Title, c.Type, c.Options, nil
}

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository(cfg config.MySQLConfig) (*MySQLRepository, error) {
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

	return NewMySQLRepositoryFromDB(masterDB, slaveDB), nil
}

// NewMySQLRepositoryFromDB 使用已打开的连接构建仓库，slave 为空时读写均走主库
func NewMySQLRepositoryFromDB(master, slave *sql.DB) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{masterDB: master, slaveDB: slave}
}

// EnsureSchema 建表
func (r *MySQLRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{PollSchema, UserSchema} {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPoll(row rowScanner) (*model.Poll, error) {
	var (
		p       model.Poll
		content string
		state   string
		result  sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.MessageID, &p.CreatorID, &p.CreatorName, &p.ClanID, &p.ChannelID,
		&p.IsChannelPublic, &p.ModeMessage, &p.Color, &content, &p.CreatedAt, &p.ExpireAt,
		&p.Deleted, &state, &result,
	)
	if err != nil {
		return nil, err
	}

	p.Title, p.Mode, p.Options, err = DecodeContent(content)
	if err != nil {
		return nil, err
	}
	p.State = model.PollState(state)

	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &p.Votes); err != nil {
			return nil, fmt.Errorf("解析投票结果失败: %w", err)
		}
	}
	return &p, nil
}

func encodeVotes(votes []model.VoteRecord) (string, error) {
	if votes == nil {
		votes = []model.VoteRecord{}
	}
	data, err := json.Marshal(votes)
	if err != nil {
		return "", fmt.Errorf("序列化投票结果失败: %w", err)
	}
	return string(data), nil
}

// InsertPoll 保存新投票
func (r *MySQLRepository) InsertPoll(ctx context.Context, poll *model.Poll) (int64, error) {
	content, err := EncodeContent(poll.Title, poll.Mode, poll.Options)
	if err != nil {
		return 0, err
	}
	votes, err := encodeVotes(poll.Votes)
	if err != nil {
		return 0, err
	}

	query := `INSERT INTO poll_messages (message_id, user_id, creator_name, clan_id, channel_id,
		is_channel_public, mode_message, color, content, create_at, expire_at, deleted, state, poll_result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.masterDB.ExecContext(ctx, query,
		poll.MessageID, poll.CreatorID, poll.CreatorName, poll.ClanID, poll.ChannelID,
		poll.IsChannelPublic, poll.ModeMessage, poll.Color, content, poll.CreatedAt, poll.ExpireAt,
		poll.Deleted, string(poll.State), votes,
	)
	if err != nil {
		return 0, fmt.Errorf("保存投票失败: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取投票ID失败: %w", err)
	}
	poll.ID = id
	return id, nil
}

// FindPollByID 主库读取
func (r *MySQLRepository) FindPollByID(ctx context.Context, id int64) (*model.Poll, error) {
	query := "SELECT " + pollColumns + " FROM poll_messages WHERE id = ?"
	poll, err := scanPoll(r.masterDB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询投票 %d 失败: %w", id, err)
	}
	return poll, nil
}

// FindOpenPollByMessage 按消息查找未删除的投票
func (r *MySQLRepository) FindOpenPollByMessage(ctx context.Context, messageID, channelID string) (*model.Poll, error) {
	query := "SELECT " + pollColumns + " FROM poll_messages WHERE message_id = ? AND channel_id = ? AND deleted = 0"
	poll, err := scanPoll(r.slaveDB.QueryRowContext(ctx, query, messageID, channelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询消息 %s 的投票失败: %w", messageID, err)
	}
	return poll, nil
}

// FindExpiredPolls 查找已到期且未删除的投票
func (r *MySQLRepository) FindExpiredPolls(ctx context.Context, nowMs int64) ([]*model.Poll, error) {
	query := "SELECT " + pollColumns + " FROM poll_messages WHERE expire_at <= ? AND deleted = 0"
	rows, err := r.slaveDB.QueryContext(ctx, query, nowMs)
	if err != nil {
		return nil, fmt.Errorf("查询到期投票失败: %w", err)
	}
	defer rows.Close()

	var polls []*model.Poll
	for rows.Next() {
		poll, err := scanPoll(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描到期投票失败: %w", err)
		}
		polls = append(polls, poll)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代到期投票失败: %w", err)
	}
	return polls, nil
}

// UpdatePollVotes SELECT ... FOR UPDATE 后在事务内修改投票记录
func (r *MySQLRepository) UpdatePollVotes(ctx context.Context, id int64, mutate func(poll *model.Poll) error) (*model.Poll, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}

	query := "SELECT " + pollColumns + " FROM poll_messages WHERE id = ? FOR UPDATE"
	poll, err := scanPoll(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("锁定投票 %d 失败: %w", id, err)
	}

	if err := mutate(poll); err != nil {
		tx.Rollback()
		return nil, err
	}

	votes, err := encodeVotes(poll.Votes)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE poll_messages SET poll_result = ? WHERE id = ?", votes, id); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("更新投票 %d 结果失败: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	return poll, nil
}

// MarkPollDeleted 仅当 deleted = 0 时更新
func (r *MySQLRepository) MarkPollDeleted(ctx context.Context, id int64, state model.PollState) (bool, error) {
	res, err := r.masterDB.ExecContext(ctx,
		"UPDATE poll_messages SET deleted = 1, state = ? WHERE id = ? AND deleted = 0",
		string(state), id,
	)
	if err != nil {
		return false, fmt.Errorf("标记投票 %d 删除失败: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取更新结果失败: %w", err)
	}
	return n == 1, nil
}

func scanUser(row rowScanner) (*model.UserCache, error) {
	var (
		u   model.UserCache
		ban sql.NullString
	)
	err := row.Scan(&u.UserID, &u.Username, &u.ClanNick, &u.Avatar, &u.Amount, &u.AmountUsedSlots,
		&u.JackPot, &u.JackPot1k, &u.JackPot3k, &ban)
	if err != nil {
		return nil, err
	}
	if ban.Valid && ban.String != "" {
		if err := json.Unmarshal([]byte(ban.String), &u.Ban); err != nil {
			return nil, fmt.Errorf("解析封禁信息失败: %w", err)
		}
	}
	return &u, nil
}

// FindUserByID 查询用户
func (r *MySQLRepository) FindUserByID(ctx context.Context, userID string) (*model.UserCache, error) {
	query := "SELECT " + userColumns + " FROM users WHERE user_id = ?"
	user, err := scanUser(r.slaveDB.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询用户 %s 失败: %w", userID, err)
	}
	return user, nil
}

// FindUserByUsername 按用户名查询
func (r *MySQLRepository) FindUserByUsername(ctx context.Context, username string) (*model.UserCache, error) {
	query := "SELECT " + userColumns + " FROM users WHERE username = ? LIMIT 1"
	user, err := scanUser(r.slaveDB.QueryRowContext(ctx, query, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询用户 %s 失败: %w", username, err)
	}
	return user, nil
}

// FindUsersByIDs 批量查询用户
func (r *MySQLRepository) FindUsersByIDs(ctx context.Context, userIDs []string) ([]*model.UserCache, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	query := "SELECT " + userColumns + " FROM users WHERE user_id IN (" + placeholders + ")"
	rows, err := r.slaveDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("批量查询用户失败: %w", err)
	}
	defer rows.Close()

	var users []*model.UserCache
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描用户失败: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代用户失败: %w", err)
	}
	return users, nil
}

// SaveUser 写入或更新用户
func (r *MySQLRepository) SaveUser(ctx context.Context, user *model.UserCache) error {
	bans := user.Ban
	if bans == nil {
		bans = []model.BanInfo{}
	}
	ban, err := json.Marshal(bans)
	if err != nil {
		return fmt.Errorf("序列化封禁信息失败: %w", err)
	}

	query := `INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		username = VALUES(username),
		clan_nick = VALUES(clan_nick),
		avatar = VALUES(avatar),
		amount = VALUES(amount),
		amount_used_slots = VALUES(amount_used_slots),
		jack_pot = VALUES(jack_pot),
		jack_pot_1k = VALUES(jack_pot_1k),
		jack_pot_3k = VALUES(jack_pot_3k),
		ban = VALUES(ban)`

	_, err = r.masterDB.ExecContext(ctx, query,
		user.UserID, user.Username, user.ClanNick, user.Avatar,
		user.Amount.String(), user.AmountUsedSlots.String(),
		user.JackPot.String(), user.JackPot1k.String(), user.JackPot3k.String(),
		string(ban),
	)
	if err != nil {
		return fmt.Errorf("保存用户 %s 失败: %w", user.UserID, err)
	}
	return nil
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
