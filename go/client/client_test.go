package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitq/sitq/go/codec"
	"github.com/sitq/sitq/go/store"
)

func openTestClient(t *testing.T) (*Client, *store.SQLite) {
	t.Helper()
	var st, err = store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)

	var c = New(st, codec.NewJSON())
	t.Cleanup(func() { _ = c.Close() })
	return c, st
}

func TestEnqueueWritesPendingTask(t *testing.T) {
	var c, st = openTestClient(t)
	var ctx = context.Background()

	var taskID, err = c.Enqueue(ctx, EnqueueRequest{
		Handler: "add",
		Args:    []any{float64(2), float64(3)},
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task, err := st.GetResult(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, store.StatusPending, task.Status)

	// The payload is the codec's encoding of the call spec.
	spec, err := codec.NewJSON().DecodeTask(task.Payload)
	require.NoError(t, err)
	require.Equal(t, "add", spec.Handler)
	require.Equal(t, []any{float64(2), float64(3)}, spec.Args)
}

func TestEnqueueRequiresHandler(t *testing.T) {
	var c, _ = openTestClient(t)

	var _, err = c.Enqueue(context.Background(), EnqueueRequest{})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEnqueueRejectsUnrepresentableArgs(t *testing.T) {
	var c, _ = openTestClient(t)

	var _, err = c.Enqueue(context.Background(), EnqueueRequest{
		Handler: "add",
		Args:    []any{make(chan int)},
	})
	require.Error(t, err)

	var codecErr *codec.Error
	require.ErrorAs(t, err, &codecErr)
}

func TestEnqueueHonorsETA(t *testing.T) {
	var c, st = openTestClient(t)
	var ctx = context.Background()

	var eta = time.Now().Add(time.Hour).In(time.FixedZone("UTC+7", 7*3600))
	var taskID, err = c.Enqueue(ctx, EnqueueRequest{Handler: "noop", ETA: eta})
	require.NoError(t, err)

	task, err := st.GetResult(ctx, taskID)
	require.NoError(t, err)
	// Stored as the equivalent UTC instant.
	require.True(t, task.AvailableAt.Equal(eta.UTC().Truncate(time.Nanosecond)))
	require.Equal(t, time.UTC, task.AvailableAt.Location())
}

func TestGetResultNotTerminal(t *testing.T) {
	var c, _ = openTestClient(t)
	var ctx = context.Background()

	var taskID, err = c.Enqueue(ctx, EnqueueRequest{Handler: "noop"})
	require.NoError(t, err)

	// Zero timeout probes exactly once.
	result, err := c.GetResult(ctx, taskID, 0)
	require.NoError(t, err)
	require.Nil(t, result)

	// A short poll expires without a terminal state.
	var began = time.Now()
	result, err = c.GetResult(ctx, taskID, 120*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, result)
	require.GreaterOrEqual(t, time.Since(began), 120*time.Millisecond)
}

func TestGetResultUnknownTask(t *testing.T) {
	var c, _ = openTestClient(t)

	var result, err = c.GetResult(context.Background(), "no-such-task", 0)
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestGetResultSuccess(t *testing.T) {
	var c, st = openTestClient(t)
	var ctx = context.Background()

	var taskID, err = c.Enqueue(ctx, EnqueueRequest{Handler: "add"})
	require.NoError(t, err)

	// Conclude the task the way a worker would.
	_, err = st.Reserve(ctx, 1, time.Now().UTC())
	require.NoError(t, err)
	encoded, err := codec.NewJSON().EncodeValue(float64(5))
	require.NoError(t, err)
	require.NoError(t, st.MarkSuccess(ctx, taskID, encoded, time.Now().UTC()))

	result, err := c.GetResult(ctx, taskID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.Succeeded())
	require.Equal(t, float64(5), result.Value)
	require.False(t, result.StartedAt.IsZero())
	require.False(t, result.FinishedAt.IsZero())
}

func TestGetResultFailure(t *testing.T) {
	var c, st = openTestClient(t)
	var ctx = context.Background()

	var taskID, err = c.Enqueue(ctx, EnqueueRequest{Handler: "divide"})
	require.NoError(t, err)

	_, err = st.Reserve(ctx, 1, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.MarkFailure(ctx, taskID, "division by zero",
		"error chain:\n  0: division by zero\n", time.Now().UTC()))

	// Task failure is a data outcome, not a client error.
	result, err := c.GetResult(ctx, taskID, 0)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.Failed())
	require.Contains(t, result.Error, "division by zero")
	require.NotEmpty(t, result.Traceback)
	require.Nil(t, result.Value)
}

func TestGetResultPollsUntilTerminal(t *testing.T) {
	var c, st = openTestClient(t)
	var ctx = context.Background()

	var taskID, err = c.Enqueue(ctx, EnqueueRequest{Handler: "slow"})
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		if _, err := st.Reserve(ctx, 1, time.Now().UTC()); err != nil {
			return
		}
		var encoded, _ = codec.NewJSON().EncodeValue("done")
		_ = st.MarkSuccess(ctx, taskID, encoded, time.Now().UTC())
	}()

	result, err := c.GetResult(ctx, taskID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "done", result.Value)
}

func TestCloseIsIdempotent(t *testing.T) {
	var c, _ = openTestClient(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
