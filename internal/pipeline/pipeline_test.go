package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/groupbuy/internal/notify"
	"github.com/alanyoungcy/groupbuy/internal/service"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeArchiver struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakeArchiver) ArchiveParticipations(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

type recordingSender struct{ titles []string }

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return nil
}
func (r *recordingSender) Name() string { return "recording" }

func TestArchiver_Run(t *testing.T) {
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	fa := &fakeArchiver{n: 12}
	sender := &recordingSender{}
	a := NewArchiver(fa, 30, notify.NewNotifier([]notify.Sender{sender}, nil, testLogger()), testLogger())
	a.now = func() time.Time { return now }

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.Equal(t, now.AddDate(0, 0, -30), fa.before)
	assert.Equal(t, []string{"Participations archived"}, sender.titles)
}

func TestArchiver_RunNothingToArchive(t *testing.T) {
	sender := &recordingSender{}
	a := NewArchiver(&fakeArchiver{}, 30, notify.NewNotifier([]notify.Sender{sender}, nil, testLogger()), testLogger())

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sender.titles)
}

func TestArchiver_RunError(t *testing.T) {
	a := NewArchiver(&fakeArchiver{err: errors.New("bucket gone")}, 30, nil, testLogger())
	_, err := a.Run(context.Background())
	assert.ErrorContains(t, err, "bucket gone")
}

func TestArchiver_RunCronBadExpression(t *testing.T) {
	a := NewArchiver(&fakeArchiver{}, 30, nil, testLogger())
	err := a.RunCron(context.Background(), "not a cron")
	assert.ErrorContains(t, err, "parsing cron expression")
}

func TestArchiver_RunCronStopsOnCancel(t *testing.T) {
	a := NewArchiver(&fakeArchiver{}, 30, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.RunCron(ctx, "0 3 1 * *"), context.Canceled)
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) Sweep(context.Context) (service.SweepResult, error) {
	c.calls.Add(1)
	return service.SweepResult{}, c.err
}

func TestOrchestrator_SweepsUntilCancelled(t *testing.T) {
	sw := &countingSweeper{err: errors.New("transient")}
	o := NewOrchestrator(sw, 5*time.Millisecond, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.calls.Load() >= 3 }, time.Second, time.Millisecond,
		"a failing sweep does not stop the loop")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestOrchestrator_NoJobs(t *testing.T) {
	o := NewOrchestrator(nil, 0, nil, "", testLogger())
	assert.NoError(t, o.Run(context.Background()))
}

func TestOrchestrator_ArchiveCronError(t *testing.T) {
	a := NewArchiver(&fakeArchiver{}, 30, nil, testLogger())
	o := NewOrchestrator(nil, 0, a, "bogus", testLogger())
	assert.ErrorContains(t, o.Run(context.Background()), "archiver")
}
