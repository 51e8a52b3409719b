package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the registry database. Managers receive a *Store rather than
// reaching for a package global so tests can run against in-memory SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite registry at dbPath and migrates the
// schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Deployment{}, &Session{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an isolated in-memory registry, for tests.
func OpenMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	if err := db.AutoMigrate(&Deployment{}, &Session{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping reports whether the underlying database answers.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Deployment helpers

// UpsertDeployment writes the deployment keyed on team id. The conflict
// clause is what enforces at-most-one row per team even when two processes
// race: the second writer updates instead of inserting a duplicate.
func (s *Store) UpsertDeployment(d *Deployment) error {
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"container_id", "container_name", "port", "status",
			"template_kind", "absent_strikes", "probe_failures",
			"last_checked_at", "last_error", "updated_at",
		}),
	}).Create(d).Error
}

func (s *Store) GetDeployment(teamID string) (*Deployment, error) {
	var d Deployment
	if err := s.db.Where("team_id = ?", teamID).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListDeployments() ([]Deployment, error) {
	var out []Deployment
	if err := s.db.Order("team_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListActiveDeployments returns every deployment not in a terminal state.
// This is the reconciler's work list.
func (s *Store) ListActiveDeployments() ([]Deployment, error) {
	var out []Deployment
	err := s.db.Where("status NOT IN ?", []string{StatusStopped, StatusFailed}).
		Order("team_id").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveDeployment(d *Deployment) error {
	return s.db.Save(d).Error
}

func (s *Store) DeleteDeployment(teamID string) error {
	return s.db.Where("team_id = ?", teamID).Delete(&Deployment{}).Error
}

// Session helpers

func (s *Store) CreateSession(sess *Session) error {
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = time.Now()
	}
	return s.db.Create(sess).Error
}

// SaveSession writes the full session row back, refreshing its
// last-activity timestamp.
func (s *Store) SaveSession(sess *Session) error {
	sess.LastActiveAt = time.Now()
	return s.db.Save(sess).Error
}

func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	if err := s.db.Where("id = ?", id).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) ListSessions() ([]Session, error) {
	var out []Session
	if err := s.db.Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListSessionsByAgent(agentID string) ([]Session, error) {
	var out []Session
	if err := s.db.Where("agent_id = ?", agentID).Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateSessionState(id, state string) error {
	return s.db.Model(&Session{}).Where("id = ?", id).Updates(map[string]interface{}{
		"state":          state,
		"last_active_at": time.Now(),
	}).Error
}

// TouchSession refreshes the session's last-activity timestamp.
func (s *Store) TouchSession(id string) error {
	return s.db.Model(&Session{}).Where("id = ?", id).
		Update("last_active_at", time.Now()).Error
}

func (s *Store) DeleteSession(id string) error {
	return s.db.Where("id = ?", id).Delete(&Session{}).Error
}
