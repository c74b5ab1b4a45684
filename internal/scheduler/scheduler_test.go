package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
)

type MockProviders struct {
	mock.Mock
}

func (m *MockProviders) List(ctx context.Context) ([]database.Provider, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Provider), args.Error(1)
}

type MockSyncs struct {
	mock.Mock
}

func (m *MockSyncs) StartSync(ctx context.Context, accountID string, providerType constants.ProviderType, forceFullSync bool) (string, error) {
	args := m.Called(ctx, accountID, providerType, forceFullSync)
	return args.String(0), args.Error(1)
}

func (m *MockSyncs) IsSyncRunning(accountID string, providerType constants.ProviderType) bool {
	args := m.Called(accountID, providerType)
	return args.Bool(0)
}

type MockWatches struct {
	mock.Mock
}

func (m *MockWatches) RenewExpiring(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func accounts(ids ...string) []database.Provider {
	out := make([]database.Provider, 0, len(ids))
	for _, id := range ids {
		out = append(out, database.Provider{ID: "p-" + id, AccountID: id, Type: constants.ProviderGoogle})
	}
	return out
}

func TestSyncAll(t *testing.T) {
	providers := new(MockProviders)
	providers.On("List", mock.Anything).Return(accounts("acc-1", "acc-2", "acc-3"), nil)

	syncs := new(MockSyncs)
	syncs.On("IsSyncRunning", "acc-1", constants.ProviderGoogle).Return(false)
	syncs.On("IsSyncRunning", "acc-2", constants.ProviderGoogle).Return(true)
	syncs.On("IsSyncRunning", "acc-3", constants.ProviderGoogle).Return(false)
	syncs.On("StartSync", mock.Anything, "acc-1", constants.ProviderGoogle, false).Return("run-1", nil)
	syncs.On("StartSync", mock.Anything, "acc-3", constants.ProviderGoogle, false).Return("", errors.New("engine is shutting down"))

	s := New(providers, syncs, nil, Options{})
	started, err := s.SyncAll(context.Background())

	assert.Equal(t, 1, started)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acc-3")
	syncs.AssertNotCalled(t, "StartSync", mock.Anything, "acc-2", mock.Anything, mock.Anything)
	syncs.AssertExpectations(t)
}

func TestSyncAll_ListFailure(t *testing.T) {
	providers := new(MockProviders)
	providers.On("List", mock.Anything).Return(nil, errors.New("database is locked"))
	syncs := new(MockSyncs)

	s := New(providers, syncs, nil, Options{})
	_, err := s.SyncAll(context.Background())

	assert.Error(t, err)
	syncs.AssertNotCalled(t, "StartSync", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncTick_SkipsWhileBusy(t *testing.T) {
	providers := new(MockProviders)
	s := New(providers, new(MockSyncs), nil, Options{})

	s.syncBusy.Store(true)
	s.syncTick()

	providers.AssertNotCalled(t, "List", mock.Anything)
}

func TestRenewTick(t *testing.T) {
	watches := new(MockWatches)
	watches.On("RenewExpiring", mock.Anything).Return(2, nil).Once()
	s := New(new(MockProviders), new(MockSyncs), watches, Options{})

	s.renewTick()
	watches.AssertNumberOfCalls(t, "RenewExpiring", 1)

	s.renewBusy.Store(true)
	s.renewTick()
	watches.AssertNumberOfCalls(t, "RenewExpiring", 1)
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(new(MockProviders), new(MockSyncs), nil, Options{SyncSchedule: "every now and then"})
	assert.Error(t, s.Start())
}

func TestStart_RunsJobs(t *testing.T) {
	fired := make(chan struct{}, 4)
	providers := new(MockProviders)
	providers.On("List", mock.Anything).Return(accounts("acc-1"), nil)
	syncs := new(MockSyncs)
	syncs.On("IsSyncRunning", "acc-1", constants.ProviderGoogle).Return(false)
	syncs.On("StartSync", mock.Anything, "acc-1", constants.ProviderGoogle, false).
		Run(func(mock.Arguments) { fired <- struct{}{} }).
		Return("run-1", nil)

	s := New(providers, syncs, nil, Options{SyncSchedule: "@every 1s"})
	require.NoError(t, s.Start())
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("sync job never fired")
	}
}
