package profilers

import (
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestCPUDescription(t *testing.T) {
	description := CPUDescription()
	require.True(t, strings.HasPrefix(description, "CPU: "))
	require.Contains(t, description, "GOMAXPROCS=")
}
