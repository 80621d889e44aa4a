//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"programista_hub/internal/domain"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db

	s.Require().NoError(Migrate(s.ctx, s.db))
	// applying twice must be harmless
	s.Require().NoError(Migrate(s.ctx, s.db))
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM schedule_records")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM providers")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM index_versions")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM sync_runs")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM api_keys")
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func (s *PostgresIntegrationSuite) TestIndexStore_PersistAndLoad() {
	store := NewIndexStore(s.db, NewTransactionManager(s.db))
	warsaw := time.FixedZone("CEST", 2*3600)
	start := time.Date(2024, 5, 1, 20, 0, 0, 0, warsaw)

	a := domain.ScheduleRecord{
		Provider:      "tvp",
		Channel:       "tvp1",
		Start:         start,
		End:           start.Add(30 * time.Minute),
		Title:         "Wiadomości",
		Genre:         "news",
		Accessibility: []string{"AD", "JM"},
		Extra:         map[string]json.RawMessage{"rating": json.RawMessage(`{"age": 12}`)},
	}
	b := domain.ScheduleRecord{
		Provider: "tvp",
		Channel:  "tvp1",
		Start:    start.Add(30 * time.Minute),
		End:      start.Add(time.Hour),
		Title:    "Pogoda",
	}
	provider := domain.ProviderInfo{
		ID: "tvp", Kind: domain.KindTV, DisplayName: "TVP", Version: "1",
		Channels: []domain.Channel{{ID: "tvp1", Name: "TVP 1"}},
	}

	s.Require().NoError(store.Persist(s.ctx, 1, time.Now(), domain.Diff{
		Added:     []domain.ScheduleRecord{a, b},
		Providers: []domain.ProviderInfo{provider},
	}))

	a.Title = "Wiadomości (wydanie specjalne)"
	provider.Version = "2"
	s.Require().NoError(store.Persist(s.ctx, 2, time.Now(), domain.Diff{
		Updated:   []domain.ScheduleRecord{a},
		Removed:   []domain.RecordKey{b.Key()},
		Providers: []domain.ProviderInfo{provider},
	}))

	state, err := store.Load(s.ctx)
	s.Require().NoError(err)

	s.Equal(int64(2), state.Version)
	s.Equal([]domain.ProviderInfo{provider}, state.Providers)
	s.Require().Len(state.Records, 1)
	s.True(state.Records[0].Equal(domain.ScheduleRecord{
		Provider:      a.Provider,
		Channel:       a.Channel,
		Start:         a.Start,
		End:           a.End,
		Title:         a.Title,
		Genre:         a.Genre,
		Accessibility: a.Accessibility,
		Extra:         map[string]json.RawMessage{"rating": json.RawMessage(`{"age":12}`)},
	}))
	s.Equal(`{"age":12}`, string(state.Records[0].Extra["rating"]))
}

func (s *PostgresIntegrationSuite) TestIndexStore_DuplicateVersionFailsAtomically() {
	store := NewIndexStore(s.db, NewTransactionManager(s.db))
	start := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	rec := domain.ScheduleRecord{Provider: "tvp", Channel: "tvp1", Start: start, End: start.Add(time.Hour), Title: "A"}

	s.Require().NoError(store.Persist(s.ctx, 1, time.Now(), domain.Diff{Added: []domain.ScheduleRecord{rec}}))

	other := rec
	other.Start = start.Add(time.Hour)
	other.End = start.Add(2 * time.Hour)
	err := store.Persist(s.ctx, 1, time.Now(), domain.Diff{Added: []domain.ScheduleRecord{other}})
	s.Error(err)

	var count int
	s.Require().NoError(s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM schedule_records"))
	s.Equal(1, count)
}

func (s *PostgresIntegrationSuite) TestSyncRunStore_Lifecycle() {
	store := NewSyncRunStore(s.db)

	run := domain.NewSyncRun(domain.TriggerSchedule, 1)
	s.Require().NoError(store.Create(s.ctx, run))

	run.Added, run.Updated, run.Removed = 3, 2, 1
	run.IndexVersion = 5
	run.Providers = domain.ProviderResults{{Provider: "tvp", Version: "2", Added: 3, Updated: 2, Removed: 1}}
	run.Finish(domain.OutcomeSuccess, nil)
	s.Require().NoError(store.Finish(s.ctx, run))

	got, err := store.Get(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(domain.OutcomeSuccess, got.Outcome)
	s.Equal(domain.PhaseIdle, got.Phase)
	s.Equal(int64(5), got.IndexVersion)
	s.Equal(run.Providers, got.Providers)
	s.NotNil(got.FinishedAt)

	runs, err := store.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(runs, 1)
}

func (s *PostgresIntegrationSuite) TestAPIKeyStore_Lifecycle() {
	store := NewAPIKeyStore(s.db)
	key := &domain.APIKey{Hash: "f00d", Label: "tv box"}

	s.Require().NoError(store.Create(s.ctx, key))
	s.False(key.CreatedAt.IsZero())

	active, err := store.Active(s.ctx, "f00d")
	s.Require().NoError(err)
	s.True(active)

	s.Require().NoError(store.Revoke(s.ctx, "f00d"))
	s.ErrorIs(store.Revoke(s.ctx, "f00d"), domain.ErrNotFound)

	active, err = store.Active(s.ctx, "f00d")
	s.Require().NoError(err)
	s.False(active)

	got, err := store.Get(s.ctx, "f00d")
	s.Require().NoError(err)
	s.True(got.Revoked())
}
