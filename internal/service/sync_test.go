package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"programista_hub/internal/config"
	"programista_hub/internal/domain"
	"programista_hub/internal/index"
	"programista_hub/internal/service/mocks"
)

func schedulePackage(provider, version, entries string) domain.ProviderPackage {
	return domain.ProviderPackage{
		ProviderInfo: domain.ProviderInfo{
			ID:      provider,
			Kind:    domain.KindTV,
			Version: version,
			Channels: []domain.Channel{
				{ID: "channel-a", Name: "Channel A"},
				{ID: "channel-b", Name: "Channel B"},
			},
		},
		FetchedAt: time.Now().UTC(),
		Content:   []byte(`{"schema":1,"entries":[` + entries + `]}`),
	}
}

const showX = `{"channel":"channel-a","start":"2024-05-01T20:00:00Z","end":"2024-05-01T21:00:00Z","title":"Show X"}`

type SyncServiceTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller
	ctx  context.Context

	fetcher   *mocks.MockFetcher
	runs      *mocks.MockSyncRunStore
	publisher *mocks.MockPublisher

	index   *index.Store
	service *SyncService
	logger  *slog.Logger
}

func (s *SyncServiceTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.ctx = context.Background()

	s.fetcher = mocks.NewMockFetcher(s.ctrl)
	s.runs = mocks.NewMockSyncRunStore(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	var err error
	s.index, err = index.NewStore(s.logger)
	s.Require().NoError(err)

	s.runs.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.runs.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	s.service = NewSyncService(s.fetcher, s.index, s.runs, s.publisher, s.logger)
}

func (s *SyncServiceTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSyncServiceTestSuite(t *testing.T) {
	suite.Run(t, new(SyncServiceTestSuite))
}

func (s *SyncServiceTestSuite) airingOnChannelA() []domain.ScheduleRecord {
	at := time.Date(2024, 5, 1, 20, 30, 0, 0, time.UTC)
	records, _ := s.index.Read(index.Query{Channels: []string{"channel-a"}, At: at})
	return records
}

func (s *SyncServiceTestSuite) TestRun_AddThenRemove() {
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]domain.ProviderPackage{schedulePackage("tvp", "v1", showX)}, nil)
	s.publisher.EXPECT().PublishCommit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, event domain.IndexEvent) error {
			s.Equal(int64(1), event.Version)
			s.Equal(1, event.Added)
			return nil
		})

	run := domain.NewSyncRun(domain.TriggerWebhook, 1)
	s.Require().NoError(s.service.Run(s.ctx, run, nil))

	s.Equal(domain.OutcomeSuccess, run.Outcome)
	s.Equal(domain.PhaseIdle, run.Phase)
	s.Equal(1, run.Added)
	s.Equal(0, run.Updated)
	s.Equal(0, run.Removed)
	s.Equal(int64(1), run.IndexVersion)
	s.NotNil(run.FinishedAt)

	records := s.airingOnChannelA()
	s.Require().Len(records, 1)
	s.Equal("Show X", records[0].Title)

	s.fetcher.EXPECT().Fetch(gomock.Any(), map[string]string{"tvp": "v1"}).
		Return([]domain.ProviderPackage{schedulePackage("tvp", "v2", "")}, nil)
	s.publisher.EXPECT().PublishCommit(gomock.Any(), gomock.Any()).Return(nil)

	run = domain.NewSyncRun(domain.TriggerSchedule, 1)
	s.Require().NoError(s.service.Run(s.ctx, run, nil))

	s.Equal(0, run.Added)
	s.Equal(0, run.Updated)
	s.Equal(1, run.Removed)
	s.Equal(int64(2), run.IndexVersion)
	s.Empty(s.airingOnChannelA())
}

func (s *SyncServiceTestSuite) TestRun_ReportsPhases() {
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]domain.ProviderPackage{schedulePackage("tvp", "v1", showX)}, nil)
	s.publisher.EXPECT().PublishCommit(gomock.Any(), gomock.Any()).Return(nil)

	var phases []domain.SyncPhase
	run := domain.NewSyncRun(domain.TriggerManual, 1)
	s.Require().NoError(s.service.Run(s.ctx, run, func(p domain.SyncPhase) {
		phases = append(phases, p)
	}))

	s.Equal([]domain.SyncPhase{domain.PhaseFetching, domain.PhaseReconciling, domain.PhaseCommitting}, phases)
}

func (s *SyncServiceTestSuite) TestRun_NoUpdates() {
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, nil)

	run := domain.NewSyncRun(domain.TriggerSchedule, 1)
	s.Require().NoError(s.service.Run(s.ctx, run, nil))

	s.Equal(domain.OutcomeSuccess, run.Outcome)
	s.Equal(int64(0), run.IndexVersion)
	s.Equal(int64(0), s.index.Version())
}

func (s *SyncServiceTestSuite) TestRun_TransientFetchFailureLeavesIndexUnchanged() {
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("get manifest: %w", domain.ErrTransientFetch))

	run := domain.NewSyncRun(domain.TriggerWebhook, 1)
	err := s.service.Run(s.ctx, run, nil)

	s.Require().Error(err)
	s.ErrorIs(err, domain.ErrTransientFetch)
	s.True(domain.Retryable(err))
	s.Equal(domain.OutcomeFailed, run.Outcome)
	s.Equal(domain.PhaseFailed, run.Phase)
	s.NotEmpty(run.Error)
	s.Equal(int64(0), s.index.Version())
}

func (s *SyncServiceTestSuite) TestRun_OnlyRejectedPackagesFails() {
	rejected := &domain.ProviderError{
		Provider: "polskie-radio",
		Err:      fmt.Errorf("%w: sha256 mismatch", domain.ErrIntegrity),
	}
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, errors.Join(rejected))

	run := domain.NewSyncRun(domain.TriggerWebhook, 1)
	err := s.service.Run(s.ctx, run, nil)

	s.Require().Error(err)
	s.ErrorIs(err, domain.ErrIntegrity)
	s.False(domain.Retryable(err))
	s.Equal(domain.OutcomeFailed, run.Outcome)
	s.Require().Len(run.Providers, 1)
	s.Equal("polskie-radio", run.Providers[0].Provider)
	s.Equal(int64(0), s.index.Version())
}

func (s *SyncServiceTestSuite) TestRun_PartialWhenSomePackagesRejected() {
	rejected := &domain.ProviderError{
		Provider: "polskie-radio",
		Err:      fmt.Errorf("%w: sha256 mismatch", domain.ErrIntegrity),
	}
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]domain.ProviderPackage{schedulePackage("tvp", "v1", showX)}, errors.Join(rejected))
	s.publisher.EXPECT().PublishCommit(gomock.Any(), gomock.Any()).Return(nil)

	run := domain.NewSyncRun(domain.TriggerWebhook, 1)
	s.Require().NoError(s.service.Run(s.ctx, run, nil))

	s.Equal(domain.OutcomePartial, run.Outcome)
	s.Contains(run.Error, "polskie-radio")
	s.Equal(int64(1), run.IndexVersion)
	s.Len(run.Providers, 2)
	s.Len(s.airingOnChannelA(), 1)
}

func (s *SyncServiceTestSuite) TestRun_MalformedPackageDiscarded() {
	broken := schedulePackage("polsat", "v7", `{"channel":"channel-b","start":"not a time","end":"2024-05-01T21:00:00Z","title":"Y"}`)
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]domain.ProviderPackage{broken, schedulePackage("tvp", "v1", showX)}, nil)
	s.publisher.EXPECT().PublishCommit(gomock.Any(), gomock.Any()).Return(nil)

	run := domain.NewSyncRun(domain.TriggerSchedule, 1)
	s.Require().NoError(s.service.Run(s.ctx, run, nil))

	s.Equal(domain.OutcomePartial, run.Outcome)
	s.Equal(1, run.Added)
	_, known := s.index.Current().Provider("polsat")
	s.False(known)
}

func (s *SyncServiceTestSuite) TestRun_PublishFailureDoesNotFailRun() {
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]domain.ProviderPackage{schedulePackage("tvp", "v1", showX)}, nil)
	s.publisher.EXPECT().PublishCommit(gomock.Any(), gomock.Any()).Return(errors.New("channel closed"))

	run := domain.NewSyncRun(domain.TriggerSchedule, 1)
	s.Require().NoError(s.service.Run(s.ctx, run, nil))
	s.Equal(domain.OutcomeSuccess, run.Outcome)
	s.Equal(int64(1), s.index.Version())
}

func (s *SyncServiceTestSuite) TestRun_RecordStoreFailureDoesNotFailRun() {
	runs := mocks.NewMockSyncRunStore(s.ctrl)
	runs.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("db down"))
	runs.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(errors.New("db down"))
	svc := NewSyncService(s.fetcher, s.index, runs, nil, s.logger)

	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]domain.ProviderPackage{schedulePackage("tvp", "v1", showX)}, nil)

	run := domain.NewSyncRun(domain.TriggerManual, 1)
	s.Require().NoError(svc.Run(s.ctx, run, nil))
	s.Equal(int64(1), s.index.Version())
}

func (s *SyncServiceTestSuite) TestRun_CommitFailure() {
	idx := mocks.NewMockIndex(s.ctrl)
	idx.EXPECT().Current().Return(s.index.Current())
	idx.EXPECT().Commit(gomock.Any(), gomock.Any()).
		Return(int64(0), fmt.Errorf("%w: connection reset", domain.ErrCommit))

	svc := NewSyncService(s.fetcher, idx, s.runs, s.publisher, s.logger)
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]domain.ProviderPackage{schedulePackage("tvp", "v1", showX)}, nil)

	run := domain.NewSyncRun(domain.TriggerWebhook, 1)
	err := svc.Run(s.ctx, run, nil)

	s.Require().Error(err)
	s.ErrorIs(err, domain.ErrCommit)
	s.True(domain.Retryable(err))
	s.Equal(domain.OutcomeFailed, run.Outcome)
	s.Equal(int64(0), run.IndexVersion)
}

func (s *SyncServiceTestSuite) TestRun_FailedAttemptThenSuccessMatchesSuccessAlone() {
	pkgs := []domain.ProviderPackage{
		schedulePackage("tvp", "v1", showX),
		schedulePackage("polsat", "v3",
			`{"channel":"channel-b","start":"2024-05-01T19:00:00Z","end":"2024-05-01T19:30:00Z","title":"Wydarzenia"}`),
	}

	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
			Return(nil, fmt.Errorf("get package: %w", domain.ErrTransientFetch)),
		s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(pkgs, nil),
	)
	s.publisher.EXPECT().PublishCommit(gomock.Any(), gomock.Any()).Return(nil)

	s.Error(s.service.Run(s.ctx, domain.NewSyncRun(domain.TriggerWebhook, 1), nil))
	s.NoError(s.service.Run(s.ctx, domain.NewSyncRun(domain.TriggerWebhook, 2), nil))

	clean, err := index.NewStore(s.logger)
	s.Require().NoError(err)
	fetcher := mocks.NewMockFetcher(s.ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(pkgs, nil)
	s.NoError(NewSyncService(fetcher, clean, s.runs, nil, s.logger).
		Run(s.ctx, domain.NewSyncRun(domain.TriggerWebhook, 1), nil))

	s.Equal(clean.Version(), s.index.Version())
	s.Equal(clean.Current().All(), s.index.Current().All())
	s.Equal(clean.Current().ProviderVersions(), s.index.Current().ProviderVersions())
}

func (s *SyncServiceTestSuite) TestRun_OverrunningBudgetDiscardsWork() {
	// The fetcher ignores cancellation and hands back data once the budget
	// is spent.
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ map[string]string) ([]domain.ProviderPackage, error) {
			<-ctx.Done()
			return []domain.ProviderPackage{schedulePackage("tvp", "v1", showX)}, nil
		})

	coordinator := NewCoordinator(s.service, config.SyncConfig{
		RunTimeout: 50 * time.Millisecond,
		Retry:      config.RetryConfig{MaxAttempts: 1},
	}, s.logger)
	defer coordinator.Stop()

	f, _, err := coordinator.Trigger(domain.TriggerManual)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	run, err := f.Wait(ctx)

	s.Require().Error(err)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.ErrorContains(err, "run exceeded 50ms")
	s.False(domain.Retryable(err))
	s.Require().NotNil(run)
	s.Equal(domain.OutcomeFailed, run.Outcome)

	s.Equal(int64(0), s.index.Version())
	s.Empty(s.airingOnChannelA())

	st := coordinator.Status()
	s.Equal(domain.PhaseFailed, st.Phase)
	s.False(st.RetryScheduled)
}
