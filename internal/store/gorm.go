package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/gridwork/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DBConfig selects and addresses the backing database.
type DBConfig struct {
	Type     string `yaml:"type"` // "pgsql" or "sqlite"
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"` // database name, or file path for sqlite
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// InitDB opens the database described by cfg.
func InitDB(cfg DBConfig, log *slog.Logger) (*gorm.DB, error) {
	var dia gorm.Dialector

	if cfg.Type == "pgsql" {
		dsn := fmt.Sprintf("host=%s user=%s password=%s port=%d",
			cfg.Hostname,
			cfg.User,
			cfg.Password,
			cfg.Port,
		)
		if cfg.Name != "" {
			dsn = fmt.Sprintf("%s dbname=%s", dsn, cfg.Name)
		}
		dia = postgres.Open(dsn)
	} else {
		dia = sqlite.Open(cfg.Name)
	}

	newLogger := logger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dia, &gorm.Config{Logger: newLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s database: %w", ErrUnavailable, cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("configure connections: %w", err)
	}
	if cfg.Type == "pgsql" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	} else {
		// sqlite serializes writers; one connection keeps in-memory databases shared.
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

type contextKey int

const transactionKey contextKey = iota

// GormStore implements Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. Call Migrate before first use on a fresh database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&types.App{},
		&types.Host{},
		&types.Workunit{},
		&types.Result{},
		&types.HostAppVersion{},
	)
}

func (s *GormStore) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(transactionKey).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}

func shardScope(shard Shard, column string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if shard.N <= 1 {
			return tx
		}
		return tx.Where(fmt.Sprintf("%s %% ? = ?", column), shard.N, shard.I)
	}
}

func limitScope(limit int) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return tx
		}
		return tx.Limit(limit)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}

func (s *GormStore) EnumerateUnsent(ctx context.Context, q UnsentQuery) ([]Candidate, error) {
	var results []types.Result
	tx := s.getDB(ctx).Where("server_state = ?", types.ServerStateUnsent)
	if q.AppID != 0 {
		tx = tx.Where("app_id = ?", q.AppID)
	}
	err := tx.Scopes(shardScope(q.Shard, "id"), limitScope(q.Limit)).
		Order("priority desc").Order("random_order").Order("id").
		Find(&results).Error
	if err != nil {
		return nil, unavailable("enumerate unsent", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.WorkunitID)
	}
	var wus []types.Workunit
	if err := s.getDB(ctx).Where("id IN ?", ids).Find(&wus).Error; err != nil {
		return nil, unavailable("enumerate unsent workunits", err)
	}
	byID := make(map[int64]types.Workunit, len(wus))
	for _, wu := range wus {
		byID[wu.ID] = wu
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		wu, ok := byID[r.WorkunitID]
		if !ok {
			continue
		}
		out = append(out, Candidate{Result: r, Workunit: wu})
	}
	return out, nil
}

func (s *GormStore) EnumerateTransitions(ctx context.Context, q TransitionQuery) ([]types.Workunit, error) {
	var wus []types.Workunit
	err := s.getDB(ctx).Where("transition_time <= ?", q.Now).
		Scopes(shardScope(q.Shard, "id"), limitScope(q.Limit)).
		Order("transition_time").Order("id").
		Find(&wus).Error
	if err != nil {
		return nil, unavailable("enumerate transitions", err)
	}
	return wus, nil
}

func (s *GormStore) EnumerateNeedValidate(ctx context.Context, q WorkunitQuery) ([]types.Workunit, error) {
	return s.enumerateWorkunits(ctx, "enumerate need_validate", q, "need_validate = ?", true)
}

func (s *GormStore) EnumerateAssimilate(ctx context.Context, q WorkunitQuery) ([]types.Workunit, error) {
	return s.enumerateWorkunits(ctx, "enumerate assimilate", q, "assimilate_state = ?", types.PhaseReady)
}

func (s *GormStore) enumerateWorkunits(ctx context.Context, op string, q WorkunitQuery, cond string, arg any) ([]types.Workunit, error) {
	var wus []types.Workunit
	tx := s.getDB(ctx).Where(cond, arg)
	if q.AppID != 0 {
		tx = tx.Where("app_id = ?", q.AppID)
	}
	if err := tx.Scopes(shardScope(q.Shard, "id"), limitScope(q.Limit)).Order("id").Find(&wus).Error; err != nil {
		return nil, unavailable(op, err)
	}
	return wus, nil
}

func (s *GormStore) GetWorkunit(ctx context.Context, id int64) (*types.Workunit, error) {
	var wu types.Workunit
	if err := s.getDB(ctx).First(&wu, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &wu, nil
}

func (s *GormStore) GetResult(ctx context.Context, id int64) (*types.Result, error) {
	var r types.Result
	if err := s.getDB(ctx).First(&r, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *GormStore) ResultsForWorkunit(ctx context.Context, wuID int64) ([]types.Result, error) {
	var rs []types.Result
	if err := s.getDB(ctx).Where("workunit_id = ?", wuID).Order("id").Find(&rs).Error; err != nil {
		return nil, unavailable("results for workunit", err)
	}
	return rs, nil
}

func (s *GormStore) GetHost(ctx context.Context, id int64) (*types.Host, error) {
	var h types.Host
	if err := s.getDB(ctx).First(&h, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (s *GormStore) ListHosts(ctx context.Context) ([]types.Host, error) {
	var hs []types.Host
	if err := s.getDB(ctx).Order("id").Find(&hs).Error; err != nil {
		return nil, unavailable("list hosts", err)
	}
	return hs, nil
}

func (s *GormStore) ListApps(ctx context.Context) ([]types.App, error) {
	var as []types.App
	if err := s.getDB(ctx).Order("id").Find(&as).Error; err != nil {
		return nil, unavailable("list apps", err)
	}
	return as, nil
}

func (s *GormStore) GetHostAppVersion(ctx context.Context, hostID, appVersionID int64) (*types.HostAppVersion, error) {
	var hav types.HostAppVersion
	err := s.getDB(ctx).Where("host_id = ? AND app_version_id = ?", hostID, appVersionID).First(&hav).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &hav, nil
}

func (s *GormStore) InsertWorkunit(ctx context.Context, wu types.Workunit) (int64, error) {
	if err := s.getDB(ctx).Create(&wu).Error; err != nil {
		return 0, err
	}
	return wu.ID, nil
}

func (s *GormStore) InsertResult(ctx context.Context, r types.Result) (int64, error) {
	if err := s.getDB(ctx).Create(&r).Error; err != nil {
		return 0, err
	}
	return r.ID, nil
}

func (s *GormStore) InsertHost(ctx context.Context, h types.Host) (int64, error) {
	if err := s.getDB(ctx).Create(&h).Error; err != nil {
		return 0, err
	}
	return h.ID, nil
}

func (s *GormStore) InsertApp(ctx context.Context, a types.App) (int64, error) {
	if err := s.getDB(ctx).Create(&a).Error; err != nil {
		return 0, err
	}
	return a.ID, nil
}

func (s *GormStore) UpdateWorkunit(ctx context.Context, id int64, fields Fields) error {
	return s.update(ctx, &types.Workunit{}, id, fields)
}

func (s *GormStore) UpdateResult(ctx context.Context, id int64, fields Fields) error {
	return s.update(ctx, &types.Result{}, id, fields)
}

func (s *GormStore) update(ctx context.Context, model any, id int64, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	tx := s.getDB(ctx).Model(model).Where("id = ?", id).Updates(map[string]any(fields))
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) UpsertHostAppVersion(ctx context.Context, hav types.HostAppVersion) error {
	return s.getDB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "host_id"}, {Name: "app_version_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"consecutive_valid", "max_jobs_per_day", "et_count", "et_avg", "et_var",
		}),
	}).Create(&hav).Error
}

// InTx runs fn inside a database transaction carried by ctx.
// Nested calls join the outer transaction.
func (s *GormStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionKey, tx))
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
