package store

import (
	"errors"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// Store persists node and job audit history. It is written from the event bus and
// read once at startup; the registry and job store stay authoritative while running.
type Store interface {
	// SaveNode upserts a node snapshot. Older versions never overwrite newer ones.
	SaveNode(node *models.Node) error
	// SaveJob upserts a job snapshot without frames. Older versions never overwrite newer ones.
	SaveJob(job *models.Job) error
	// AppendFrames stores frames for a job; frames already stored are ignored
	AppendFrames(jobID string, frames []models.DetectionFrame) error

	LoadNodes() ([]models.Node, error)
	// LoadJobs returns jobs in creation order with their frames attached
	LoadJobs() ([]models.Job, error)

	HealthCheck() error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string `mapstructure:"type" yaml:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn" yaml:"dsn"`   // Connection string (postgres) or file path (sqlite)

	// PostgreSQL specific
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

var ErrUnsupportedDatabase = errors.New("unsupported database type")

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "sqlite3":
		path := config.DSN
		if path == "" {
			path = "scheduler.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
