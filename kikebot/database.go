package kikebot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	dbOperationTimeout = 30 * time.Second

	ErrDatabaseNotConfigured = errors.New("database not configured")
)

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// ReplyLog records the outcome of one processed job
type ReplyLog struct {
	ModelUintID
	ModelUnixTime
	RequestID     string         `json:"request_id" gorm:"uniqueIndex;not null"`
	Kind          string         `json:"kind" gorm:"type:string;index"`
	ChannelID     string         `json:"channel_id" gorm:"type:string"`
	UserID        string         `json:"user_id" gorm:"type:string;index"`
	Prompt        string         `json:"prompt" gorm:"type:string"`
	Response      string         `json:"response" gorm:"type:string"`
	Error         NullableString `json:"error" gorm:"type:string"`
	Provider      string         `json:"provider" gorm:"type:string"`
	Model         string         `json:"model" gorm:"type:string"`
	Persona       string         `json:"persona" gorm:"type:string"`
	HistoryLength int            `json:"history_length"`
	StartedAt     int64          `json:"started_at"`
	FinishedAt    int64          `json:"finished_at"`
}

func newReplyLog(r Result) *ReplyLog {
	rl := &ReplyLog{
		RequestID:     r.Job.ID,
		Kind:          string(r.Job.Kind),
		Prompt:        r.Job.Text,
		Response:      r.Reply,
		Provider:      r.Completion.Provider,
		Model:         r.Completion.Model,
		Persona:       r.Persona,
		HistoryLength: r.HistoryLength,
		StartedAt:     r.StartedAt.UnixMilli(),
		FinishedAt:    r.FinishedAt.UnixMilli(),
	}
	if r.Job.Target != nil {
		rl.ChannelID = r.Job.Target.ChannelID()
		rl.UserID = r.Job.Target.AuthorID()
	}
	if r.Err != nil {
		rl.Error = NullableString(r.Err.Error())
	}
	return rl
}

// DBI is the database interface used by the bot and the API
type DBI interface {
	// Create inserts value
	Create(ctx context.Context, value any) (int64, error)

	// ReplyLogs returns the most recent reply logs, newest first
	ReplyLogs(ctx context.Context, limit int) ([]ReplyLog, error)

	DB() *gorm.DB
}

type database struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// NewDatabase wraps db. Writes are serialized, as sqlite only supports
// one writer at a time.
func NewDatabase(db *gorm.DB, log *slog.Logger) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{db: db, logger: log}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) ReplyLogs(ctx context.Context, limit int) ([]ReplyLog, error) {
	if limit <= 0 {
		limit = DefaultAPIRepliesLimit
	}
	var logs []ReplyLog
	err := d.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&logs).Error
	return logs, err
}

// CreateDB opens the database and runs migrations
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	logger *slog.Logger,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, newGORMLogger(logger, slowThreshold))
	if err != nil {
		return nil, err
	}

	if err = db.WithContext(ctx).AutoMigrate(&ReplyLog{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// NullableString stores empty strings as NULL
type NullableString string

func (ns *NullableString) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*ns = ""
	case string:
		*ns = NullableString(v)
	case []byte:
		*ns = NullableString(v)
	default:
		return errors.New("failed to cast to string")
	}
	return nil
}

func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

func (ns *NullableString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ns = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ns = NullableString(s)
	return nil
}

func (ns NullableString) String() string {
	return string(ns)
}
