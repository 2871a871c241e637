package transaction

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Fire_RunsListenersInRegistrationOrder(t *testing.T) {
	c := NewContext()

	var order []string
	c.AddListener(Committed, func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	c.AddListener(Committed, func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, c.Fire(context.Background(), Committed, slog.Default()))
	require.Equal(t, []string{"first", "second"}, order)
}

func Test_Fire_ConsumesListeners(t *testing.T) {
	c := NewContext()

	calls := 0
	c.AddListener(Committed, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, c.Fire(context.Background(), Committed, slog.Default()))
	require.NoError(t, c.Fire(context.Background(), Committed, slog.Default()))
	require.Equal(t, 1, calls)
}

func Test_Fire_PhasesAreIndependent(t *testing.T) {
	c := NewContext()

	var fired []string
	c.AddListener(Committed, func(ctx context.Context) error {
		fired = append(fired, "committed")
		return nil
	})
	c.AddListener(RolledBack, func(ctx context.Context) error {
		fired = append(fired, "rolled-back")
		return nil
	})

	require.NoError(t, c.Fire(context.Background(), Committed, slog.Default()))
	require.Equal(t, []string{"committed"}, fired)
}

func Test_Fire_CommittingErrorVetoes(t *testing.T) {
	c := NewContext()

	veto := errors.New("not today")
	second := false
	c.AddListener(Committing, func(ctx context.Context) error {
		return veto
	})
	c.AddListener(Committing, func(ctx context.Context) error {
		second = true
		return nil
	})

	err := c.Fire(context.Background(), Committing, slog.Default())
	require.ErrorIs(t, err, veto)
	require.False(t, second)
}

func Test_Fire_CommittedErrorsAreSwallowed(t *testing.T) {
	c := NewContext()

	c.AddListener(Committed, func(ctx context.Context) error {
		return errors.New("listener exploded")
	})

	require.NoError(t, c.Fire(context.Background(), Committed, slog.Default()))
}

func Test_Phase_String(t *testing.T) {
	require.Equal(t, "committing", Committing.String())
	require.Equal(t, "committed", Committed.String())
	require.Equal(t, "rolling-back", RollingBack.String())
	require.Equal(t, "rolled-back", RolledBack.String())
}
