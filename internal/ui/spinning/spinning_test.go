package spinning

import (
	"context"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestSpinning(t *testing.T) {
	s := New(context.Background(), "Compiling")
	time.Sleep(10 * time.Millisecond)
	require.GreaterOrEqual(t, s.Done(), 10*time.Millisecond)

	// Done can be called after the context is cancelled, and more than once.
	ctx, cancel := context.WithCancel(context.Background())
	s = New(ctx, "Compiling")
	cancel()
	s.Done()
	s.Done()
}
