package bootstrap

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCleanup(t *testing.T) {
	var calls atomic.Int32

	runCleanup(context.Background(), map[string]operation{
		"ok": func(context.Context) error {
			calls.Add(1)
			return nil
		},
		"failing": func(context.Context) error {
			calls.Add(1)
			return errors.New("boom")
		},
	})

	require.Equal(t, int32(2), calls.Load())
}

func TestParseAssociationKind(t *testing.T) {
	kind, err := parseAssociationKind(" Security ")
	require.NoError(t, err)
	require.Equal(t, "security", string(kind))

	kind, err = parseAssociationKind("portfolio")
	require.NoError(t, err)
	require.Equal(t, "portfolio", string(kind))

	_, err = parseAssociationKind("exchange")
	require.Error(t, err)
}
