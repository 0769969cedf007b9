// Package store persists pipeline records in sqlite via GORM. Records are
// stored as JSON documents with denormalized scalar columns for indexed
// lookup, pagination, and sorting.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/pipeline"
)

const cursorPrefix = "cursor:"

// EncodeCursor wraps a record id in the opaque pagination token.
func EncodeCursor(id string) string {
	return base64.StdEncoding.EncodeToString([]byte(cursorPrefix + id))
}

// DecodeCursor unwraps a pagination token back to a record id.
func DecodeCursor(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", apperrors.BadRequest("malformed cursor")
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return "", apperrors.BadRequest("malformed cursor")
	}
	return strings.TrimPrefix(s, cursorPrefix), nil
}

// ListQuery parameterizes a paginated listing.
type ListQuery struct {
	Cursor string
	Limit  int
	Filter []byte
	Sort   []SortField
}

// ListPage is one page of results. NextCursor is empty on the last page.
type ListPage struct {
	Records    []*pipeline.Pipeline
	NextCursor string
}

// Store is the durable pipeline store.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
	cfg Config

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New opens the sqlite database and runs migration.
func New(cfg Config, log *logger.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	log.Info("Pipeline store opened", map[string]interface{}{"path": cfg.Path})
	return &Store{
		db:      db,
		log:     log.WithComponent("store"),
		cfg:     cfg,
		entropy: ulid.Monotonic(rand.Reader, 0),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// newID mints a ULID. ULIDs embed a millisecond timestamp, so lexicographic
// id order tracks creation order and the pagination cursor stays stable.
func (s *Store) newID(now time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

// lock serializes mutations per record id.
func (s *Store) lock(id string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Create assigns a fresh id and created_at and persists the record.
func (s *Store) Create(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	now := time.Now().UTC()
	p.ID = s.newID(now)
	p.CreatedAt = now

	r, err := toRecord(p)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, apperrors.Internal(fmt.Errorf("store: create %s: %w", p.ID, err))
	}
	s.log.Debug("Pipeline created", map[string]interface{}{
		logger.FieldPipeline: p.ID,
		"name":               p.Name,
	})
	return p.Clone(), nil
}

// Read fetches a record by id. A missing record returns (nil, nil).
func (s *Store) Read(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	var r record
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("store: read %s: %w", id, err))
	}
	return fromRecord(&r)
}

// ReadByTask fetches the pipeline whose status history carries the task id,
// preferring a record whose current status carries it. Child tasks are
// matched through the status history as well.
func (s *Store) ReadByTask(ctx context.Context, taskID string) (*pipeline.Pipeline, error) {
	// Fast path: the denormalized column holds the current status task id.
	var r record
	err := s.db.WithContext(ctx).First(&r, "task_id = ?", taskID).Error
	if err == nil {
		return fromRecord(&r)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Internal(fmt.Errorf("store: read by task %s: %w", taskID, err))
	}

	// Slow path: scan for the task id anywhere in the status history.
	var rows []record
	if err := s.db.WithContext(ctx).
		Where("document LIKE ?", "%"+taskID+"%").
		Order("id ASC").Find(&rows).Error; err != nil {
		return nil, apperrors.Internal(fmt.Errorf("store: read by task %s: %w", taskID, err))
	}
	var fallback *pipeline.Pipeline
	for i := range rows {
		p, err := fromRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		found, current := p.HasTask(taskID)
		if !found {
			continue
		}
		if current {
			return p, nil
		}
		if fallback == nil {
			fallback = p
		}
	}
	return fallback, nil
}

// Update replaces the record by id. The caller submits the full record;
// updates are serialized per id so concurrent status appends do not clobber
// each other.
func (s *Store) Update(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	if p.ID == "" {
		return nil, apperrors.BadRequest("update requires an id")
	}
	unlock := s.lock(p.ID)
	defer unlock()

	var existing record
	err := s.db.WithContext(ctx).First(&existing, "id = ?", p.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("pipeline", p.ID)
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("store: update %s: %w", p.ID, err))
	}

	p.CreatedAt = existing.CreatedAt
	r, err := toRecord(p)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return nil, apperrors.Internal(fmt.Errorf("store: update %s: %w", p.ID, err))
	}
	s.log.Debug("Pipeline updated", map[string]interface{}{
		logger.FieldPipeline: p.ID,
		logger.FieldState:    r.State,
	})
	return p.Clone(), nil
}

// Mutate re-reads the record under the per-id lock, applies fn to the fresh
// copy, and saves the result. Callers that would otherwise read, modify, and
// Update in separate steps use this so a concurrent writer cannot be
// clobbered between their read and their save.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*pipeline.Pipeline) error) (*pipeline.Pipeline, error) {
	if id == "" {
		return nil, apperrors.BadRequest("mutate requires an id")
	}
	unlock := s.lock(id)
	defer unlock()

	var existing record
	err := s.db.WithContext(ctx).First(&existing, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("pipeline", id)
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("store: mutate %s: %w", id, err))
	}
	p, err := fromRecord(&existing)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	r, err := toRecord(p)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return nil, apperrors.Internal(fmt.Errorf("store: mutate %s: %w", id, err))
	}
	s.log.Debug("Pipeline updated", map[string]interface{}{
		logger.FieldPipeline: id,
		logger.FieldState:    r.State,
	})
	return p.Clone(), nil
}

// Delete removes the record. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	if err := s.db.WithContext(ctx).Delete(&record{}, "id = ?", id).Error; err != nil {
		return apperrors.Internal(fmt.Errorf("store: delete %s: %w", id, err))
	}
	return nil
}

// List returns a filtered, sorted page of records. Pagination scans forward
// from the cursor id; limit+1 rows are gathered internally so the extra row
// can seed the next cursor.
func (s *Store) List(ctx context.Context, q ListQuery) (*ListPage, error) {
	if q.Limit <= 0 {
		return nil, apperrors.BadRequest("limit must be > 0")
	}
	match, err := parseFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	order, err := compileSort(q.Sort)
	if err != nil {
		return nil, err
	}

	var afterID string
	if q.Cursor != "" {
		afterID, err = DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
	}

	page := &ListPage{}
	want := q.Limit + 1
	offset := 0
	for len(page.Records) < want {
		tx := s.db.WithContext(ctx).Model(&record{}).Order(order)
		if afterID != "" {
			tx = tx.Where("id >= ?", afterID)
		}
		var batch []record
		if err := tx.Offset(offset).Limit(s.cfg.ListBatchSize).Find(&batch).Error; err != nil {
			return nil, apperrors.Internal(fmt.Errorf("store: list: %w", err))
		}
		if len(batch) == 0 {
			break
		}
		offset += len(batch)
		for i := range batch {
			doc, err := docOf(&batch[i])
			if err != nil {
				return nil, apperrors.Internal(err)
			}
			if !match(doc) {
				continue
			}
			p, err := fromRecord(&batch[i])
			if err != nil {
				return nil, apperrors.Internal(err)
			}
			page.Records = append(page.Records, p)
			if len(page.Records) == want {
				break
			}
		}
	}

	if len(page.Records) == want {
		extra := page.Records[q.Limit]
		page.Records = page.Records[:q.Limit]
		page.NextCursor = EncodeCursor(extra.ID)
	}
	return page, nil
}
