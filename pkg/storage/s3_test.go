package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultsKey(t *testing.T) {
	assert.Equal(t, "results/2024/03/abc.json", ResultsKey("abc", time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC)))

	// keys are bucketed by UTC month
	local := time.Date(2024, 3, 31, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	assert.Equal(t, "results/2024/04/abc.json", ResultsKey("abc", local))
}
