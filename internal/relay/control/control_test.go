package control

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/procutil"
)

type fakeTarget struct {
	mu       sync.Mutex
	started  chan struct{}
	goals    []string
	resets   int
	startErr error
}

func newFakeTarget() *fakeTarget { return &fakeTarget{started: make(chan struct{}, 4)} }

func (f *fakeTarget) Start(ctx context.Context) error {
	f.started <- struct{}{}
	<-ctx.Done()
	return context.Cause(ctx)
}

func (f *fakeTarget) StartNewTask(_ context.Context, goal string) error {
	f.mu.Lock()
	f.goals = append(f.goals, goal)
	f.mu.Unlock()
	return f.startErr
}

func (f *fakeTarget) Reset() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func testLog(t *testing.T) *oplog.Log {
	t.Helper()
	l, err := oplog.Open(filepath.Join(t.TempDir(), "relay.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func waitResult(t *testing.T, c *Controller) Result {
	t.Helper()
	select {
	case r := <-c.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestSubmit_ValidatesAgainstState(t *testing.T) {
	c := New(testLog(t), &procutil.Handle{})

	_, err := c.Submit(KindInterrupt, "")
	assert.ErrorContains(t, err, "nothing is running")

	_, err = c.Submit(KindStartNewTask, "   ")
	assert.ErrorContains(t, err, "goal text is required")

	_, err = c.Submit(Kind("explode"), "")
	assert.ErrorContains(t, err, "unknown command")

	cmd, err := c.Submit(KindStart, "")
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.True(t, c.Busy())

	_, err = c.Submit(KindStart, "")
	assert.ErrorContains(t, err, "in progress")
	_, err = c.Submit(KindReset, "")
	assert.ErrorContains(t, err, "in progress")
}

func TestServe_InterruptCancelsRun(t *testing.T) {
	c := New(testLog(t), &procutil.Handle{})
	target := newFakeTarget()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx, target) }()

	_, err := c.Submit(KindStart, "")
	require.NoError(t, err)
	<-target.started

	_, err = c.Submit(KindInterrupt, "")
	require.NoError(t, err)

	r := waitResult(t, c)
	assert.Equal(t, KindStart, r.Command.Kind)
	assert.True(t, errors.Is(r.Err, ErrInterrupted))
	assert.False(t, c.Busy())

	// Idle again, so reset is accepted.
	_, err = c.Submit(KindReset, "")
	require.NoError(t, err)
	r = waitResult(t, c)
	assert.NoError(t, r.Err)
	assert.Equal(t, 1, target.resets)
}

func TestServe_InterruptBeforeServeDropsQueuedRun(t *testing.T) {
	c := New(testLog(t), &procutil.Handle{})
	target := newFakeTarget()

	_, err := c.Submit(KindStart, "")
	require.NoError(t, err)
	_, err = c.Submit(KindInterrupt, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx, target) }()

	r := waitResult(t, c)
	assert.Equal(t, KindStart, r.Command.Kind)
	assert.ErrorIs(t, r.Err, ErrInterrupted)
	assert.Empty(t, target.started, "queued run must not start after an accepted interrupt")
	assert.False(t, c.Busy())

	// The held interrupt is consumed; the next run starts normally.
	_, err = c.Submit(KindStart, "")
	require.NoError(t, err)
	select {
	case <-target.started:
	case <-time.After(5 * time.Second):
		t.Fatal("second start never reached the target")
	}
	_, err = c.Submit(KindInterrupt, "")
	require.NoError(t, err)
	assert.ErrorIs(t, waitResult(t, c).Err, ErrInterrupted)
}

func TestServe_StartNewTaskPassesGoal(t *testing.T) {
	c := New(testLog(t), nil)
	target := newFakeTarget()
	target.startErr = errors.New("halted")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx, target) }()

	_, err := c.Submit(KindStartNewTask, "  ship the parser  ")
	require.NoError(t, err)
	r := waitResult(t, c)
	assert.EqualError(t, r.Err, "halted")
	assert.Equal(t, []string{"ship the parser"}, target.goals)
}

func TestAutoInterviewer(t *testing.T) {
	q := Question{ID: "q1", Options: []Option{{ID: "a"}, {ID: "b"}}, Recommendation: "b"}
	a, err := AutoInterviewer{}.Ask(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "b", a.OptionID)

	q.Recommendation = "zzz"
	a, err = AutoInterviewer{}.Ask(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "a", a.OptionID)
}

func TestQueueInterviewer(t *testing.T) {
	qi := NewQueueInterviewer("fix")
	a, err := qi.Ask(context.Background(), Question{ID: "q", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, Answer{QuestionID: "q", OptionID: "fix"}, a)
	_, err = qi.Ask(context.Background(), Question{ID: "q2", Title: "again"})
	assert.Error(t, err)
	assert.Len(t, qi.Asked, 2)
}

func TestFileInterviewer_WaitsForMatchingAnswer(t *testing.T) {
	b, err := blackboard.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	fi := &FileInterviewer{Board: b, Log: testLog(t), PollInterval: 10 * time.Millisecond}
	q := Question{ID: "q1", Options: []Option{{ID: "yes"}, {ID: "no"}}}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = b.WriteJSON(blackboard.HumanAnswerFile, Answer{QuestionID: "other", OptionID: "yes"})
		time.Sleep(30 * time.Millisecond)
		_ = b.WriteJSON(blackboard.HumanAnswerFile, Answer{QuestionID: "q1", OptionID: "no", Text: "not yet"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := fi.Ask(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "no", a.OptionID)
	assert.Equal(t, "not yet", a.Text)
}

func TestFileInterviewer_DiscardsUnknownOption(t *testing.T) {
	b, err := blackboard.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	fi := &FileInterviewer{Board: b, PollInterval: 10 * time.Millisecond}
	data, _ := json.Marshal(Answer{OptionID: "maybe"})
	require.NoError(t, b.WriteAtomic(blackboard.HumanAnswerFile, data))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fi.Ask(ctx, Question{ID: "q", Options: []Option{{ID: "yes"}, {ID: "no"}}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, b.Exists(blackboard.HumanAnswerFile))
}

func TestChannelInterviewer(t *testing.T) {
	ci := NewChannelInterviewer()
	assert.Error(t, ci.Answer("yes", ""))

	q := Question{ID: "q", Options: []Option{{ID: "yes"}, {ID: "no"}}}
	done := make(chan Answer, 1)
	go func() {
		a, _ := ci.Ask(context.Background(), q)
		done <- a
	}()
	require.Eventually(t, func() bool { _, ok := ci.Pending(); return ok }, 5*time.Second, 5*time.Millisecond)

	assert.ErrorContains(t, ci.Answer("maybe", ""), "unknown option")
	require.NoError(t, ci.Answer("yes", "go"))
	a := <-done
	assert.Equal(t, Answer{QuestionID: "q", OptionID: "yes", Text: "go"}, a)
	_, ok := ci.Pending()
	assert.False(t, ok)
}
