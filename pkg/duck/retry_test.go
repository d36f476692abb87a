package duck

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoff(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	t.Run("returns_nil_on_first_success", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := retryWithBackoff(context.Background(), log, "test", func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("retries_transaction_conflicts", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := retryWithBackoff(context.Background(), log, "test", func() error {
			calls++
			if calls < 3 {
				return errors.New("Transaction conflict: write-write conflict")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("does_not_retry_other_errors", func(t *testing.T) {
		t.Parallel()

		calls := 0
		wantErr := errors.New("syntax error")
		err := retryWithBackoff(context.Background(), log, "test", func() error {
			calls++
			return wantErr
		})
		require.ErrorIs(t, err, wantErr)
		require.Equal(t, 1, calls)
	})

	t.Run("gives_up_after_max_retries", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := retryWithBackoff(context.Background(), log, "test", func() error {
			calls++
			return errors.New("Failed to commit DuckLake transaction")
		})
		require.Error(t, err)
		require.Equal(t, maxRetries, calls)
	})

	t.Run("stops_on_context_cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retryWithBackoff(ctx, log, "test", func() error {
			calls++
			cancel()
			return errors.New("Transaction conflict")
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}

func TestIsTransactionConflictError(t *testing.T) {
	t.Parallel()

	require.False(t, isTransactionConflictError(nil))
	require.False(t, isTransactionConflictError(errors.New("table does not exist")))
	require.True(t, isTransactionConflictError(errors.New("Transaction conflict: attempting to modify table")))
	require.True(t, isTransactionConflictError(errors.New("Failed to commit DuckLake transaction")))
	require.True(t, isTransactionConflictError(errors.New("file was dropped but another transaction has compacted it")))
}
