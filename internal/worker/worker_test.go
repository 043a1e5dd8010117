package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/models"
	"packplanner/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPendingLister struct {
	mock.Mock
}

func (m *mockPendingLister) ListPendingSummaries(ctx context.Context, limit int, skipUsers []int) ([]models.PlanRef, error) {
	args := m.Called(ctx, limit, skipUsers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.PlanRef), args.Error(1)
}

type mockSummarizer struct {
	mock.Mock
	mu    sync.Mutex
	order map[int][]string
}

func (m *mockSummarizer) Summarize(ctx context.Context, userID int, sessionID string) (*models.SessionSummary, error) {
	m.mu.Lock()
	if m.order == nil {
		m.order = map[int][]string{}
	}
	m.order[userID] = append(m.order[userID], sessionID)
	m.mu.Unlock()

	args := m.Called(ctx, userID, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SessionSummary), args.Error(1)
}

func testWorker(pending PendingLister, summarizer SessionSummarizer, concurrency int) *Worker {
	logger := observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false})
	return NewWorker(pending, summarizer, config.WorkerConfig{
		Instance:    "test",
		Interval:    time.Hour,
		BatchSize:   10,
		Concurrency: concurrency,
		MaxHistory:  3,
	}, logger)
}

func summaryFor(userID int, sessionID string) *models.SessionSummary {
	return &models.SessionSummary{UserID: userID, SessionID: sessionID, Source: models.SummarySourceDeterministic}
}

func TestRunOnce_SummarizesEachUserInOrder(t *testing.T) {
	pending := &mockPendingLister{}
	pending.On("ListPendingSummaries", mock.Anything, 10, mock.Anything).Return([]models.PlanRef{
		{UserID: 2, SessionID: "b2", SessSeq: 2},
		{UserID: 1, SessionID: "a1", SessSeq: 1},
		{UserID: 2, SessionID: "b1", SessSeq: 1},
		{UserID: 1, SessionID: "a3", SessSeq: 3},
	}, nil)
	summarizer := &mockSummarizer{}
	summarizer.On("Summarize", mock.Anything, mock.Anything, mock.Anything).
		Return(summaryFor(0, "any"), nil)

	w := testWorker(pending, summarizer, 2)
	record, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, record.Summarized)
	assert.Zero(t, record.Failed)
	assert.Equal(t, "Success", record.Status)
	assert.Equal(t, []string{"a1", "a3"}, summarizer.order[1])
	assert.Equal(t, []string{"b1", "b2"}, summarizer.order[2])

	status := w.GetStatus()
	assert.Equal(t, 4, status.TotalSummarized)
	assert.Equal(t, "Idle", status.CurrentActivity)
	assert.Empty(t, status.LastRunError)
	pending.AssertExpectations(t)
}

func TestRunOnce_FailureStopsUserAndBacksOff(t *testing.T) {
	pending := &mockPendingLister{}
	pending.On("ListPendingSummaries", mock.Anything, 10, mock.Anything).Return([]models.PlanRef{
		{UserID: 1, SessionID: "a1", SessSeq: 1},
		{UserID: 1, SessionID: "a2", SessSeq: 2},
		{UserID: 2, SessionID: "b1", SessSeq: 1},
	}, nil)
	summarizer := &mockSummarizer{}
	summarizer.On("Summarize", mock.Anything, 1, "a1").Return(nil, errors.New("db down"))
	summarizer.On("Summarize", mock.Anything, 2, "b1").Return(summaryFor(2, "b1"), nil)

	w := testWorker(pending, summarizer, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.timeNow = func() time.Time { return now }

	record, err := w.RunOnce(context.Background())
	require.NoError(t, err, "per-user failures do not fail the run")
	assert.Equal(t, 1, record.Summarized)
	assert.Equal(t, 1, record.Failed)
	assert.Equal(t, 1, record.Skipped, "a2 waits for a1")
	assert.Equal(t, []string{"a1"}, summarizer.order[1])
	summarizer.AssertNotCalled(t, "Summarize", mock.Anything, 1, "a2")

	// User 1 is backing off for 2s after one failure
	assert.False(t, w.shouldRetryUser(1))
	assert.True(t, w.shouldRetryUser(2))

	record, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, record.Skipped)
	assert.Equal(t, []string{"a1"}, summarizer.order[1], "no retry during backoff")

	now = now.Add(3 * time.Second)
	assert.True(t, w.shouldRetryUser(1))
}

func TestRunOnce_BackedOffUsersAreLeftOutOfTheBatch(t *testing.T) {
	pending := &mockPendingLister{}
	pending.On("ListPendingSummaries", mock.Anything, 10, []int(nil)).Return([]models.PlanRef{
		{UserID: 1, SessionID: "a1", SessSeq: 1},
		{UserID: 2, SessionID: "b1", SessSeq: 1},
	}, nil).Once()
	pending.On("ListPendingSummaries", mock.Anything, 10, []int{1}).Return([]models.PlanRef{
		{UserID: 2, SessionID: "b2", SessSeq: 2},
		{UserID: 3, SessionID: "c1", SessSeq: 1},
	}, nil).Once()
	summarizer := &mockSummarizer{}
	summarizer.On("Summarize", mock.Anything, 1, "a1").Return(nil, errors.New("db down"))
	summarizer.On("Summarize", mock.Anything, mock.Anything, mock.Anything).Return(summaryFor(0, "any"), nil)

	w := testWorker(pending, summarizer, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.timeNow = func() time.Time { return now }

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, w.backedOffUsers())

	record, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, record.Summarized)
	assert.Zero(t, record.Skipped)
	assert.Equal(t, []string{"b1", "b2"}, summarizer.order[2])
	assert.Equal(t, []string{"c1"}, summarizer.order[3])
	pending.AssertExpectations(t)

	now = now.Add(3 * time.Second)
	assert.Empty(t, w.backedOffUsers())
}

func TestRunOnce_ListFailure(t *testing.T) {
	pending := &mockPendingLister{}
	pending.On("ListPendingSummaries", mock.Anything, 10, mock.Anything).Return(nil, errors.New("connection refused"))
	w := testWorker(pending, &mockSummarizer{}, 1)

	record, err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Failure", record.Status)
	assert.Equal(t, "connection refused", w.GetStatus().LastRunError)
	require.Len(t, w.GetHistory(), 1)
}

func TestRunOnce_ConcurrencyIsBounded(t *testing.T) {
	var refs []models.PlanRef
	for u := 1; u <= 8; u++ {
		refs = append(refs, models.PlanRef{UserID: u, SessionID: "s", SessSeq: 1})
	}
	pending := &mockPendingLister{}
	pending.On("ListPendingSummaries", mock.Anything, 10, mock.Anything).Return(refs, nil)

	var inFlight, peak int32
	summarizer := &mockSummarizer{}
	summarizer.On("Summarize", mock.Anything, mock.Anything, "s").
		Run(func(mock.Arguments) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}).
		Return(summaryFor(0, "s"), nil)

	w := testWorker(pending, summarizer, 3)
	record, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, record.Summarized)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunHistoryIsTrimmed(t *testing.T) {
	pending := &mockPendingLister{}
	pending.On("ListPendingSummaries", mock.Anything, 10, mock.Anything).Return([]models.PlanRef{}, nil)
	w := testWorker(pending, &mockSummarizer{}, 1)

	for i := 0; i < 5; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, w.GetHistory(), 3)
}

func TestPauseSkipsRuns(t *testing.T) {
	pending := &mockPendingLister{}
	w := testWorker(pending, &mockSummarizer{}, 1)

	w.Pause(context.Background())
	w.run(context.Background())
	assert.Equal(t, "Paused", w.GetStatus().CurrentActivity)
	pending.AssertNotCalled(t, "ListPendingSummaries", mock.Anything, mock.Anything, mock.Anything)

	pending.On("ListPendingSummaries", mock.Anything, 10, mock.Anything).Return([]models.PlanRef{}, nil)
	w.Resume(context.Background())
	w.run(context.Background())
	pending.AssertNumberOfCalls(t, "ListPendingSummaries", 1)
}

func TestStart_ManualTriggerAndShutdown(t *testing.T) {
	pending := &mockPendingLister{}
	pending.On("ListPendingSummaries", mock.Anything, 10, mock.Anything).Return([]models.PlanRef{}, nil)
	w := testWorker(pending, &mockSummarizer{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	w.TriggerManualRun()
	require.Eventually(t, func() bool { return len(w.GetHistory()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, w.GetStatus().IsRunning)
}
