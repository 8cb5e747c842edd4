package coverage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/internal/coverage"
)

func TestExtract_CaptureGroup(t *testing.T) {
	log := "collected 120 items\nTOTAL                   2301   145    93.7%\n"
	value, ok, err := coverage.Extract(`TOTAL.+?(\d+\.?\d*)%`, log)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 93.7, value, 0.001)
}

func TestExtract_LastMatchWins(t *testing.T) {
	log := "coverage: 10.0%\nre-run\ncoverage: 85.5%\n"
	value, ok, err := coverage.Extract(`coverage: (\d+\.\d+)%`, log)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 85.5, value, 0.001)
}

func TestExtract_WholeMatchWithoutGroup(t *testing.T) {
	value, ok, err := coverage.Extract(`\d+\.\d+%`, "lines: 77.2%\n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 77.2, value, 0.001)
}

func TestExtract_NoMatchIsNotAnError(t *testing.T) {
	_, ok, err := coverage.Extract(`coverage: (\d+)%`, "no coverage output here")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtract_MalformedPattern(t *testing.T) {
	_, _, err := coverage.Extract(`coverage: (`, "whatever")
	require.Error(t, err)
}
