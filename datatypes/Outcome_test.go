package datatypes

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeCompletesOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		o := NewDualWriteOutcome("req-1")

		var wg sync.WaitGroup
		completed := make(chan bool, 2)

		wg.Add(2)

		go func() {
			defer wg.Done()
			completed <- o.SetPrimary(PrimaryResult{Status: 201, Attempts: 1})
		}()

		go func() {
			defer wg.Done()
			completed <- o.SetSecondary(SecondaryResult{Backend: SecondaryName, Status: 500, Attempts: 1})
		}()

		wg.Wait()
		close(completed)

		count := 0
		for c := range completed {
			if c {
				count++
			}
		}

		require.Equal(t, 1, count)
	}
}

func TestOutcomeLogsBothHalves(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	o := NewDualWriteOutcome("req-1")
	assert.False(t, o.SetPrimary(PrimaryResult{Status: 201, Attempts: 1}))

	_, ok := o.Secondary()
	assert.False(t, ok)

	assert.True(t, o.SetSecondary(SecondaryResult{Backend: SecondaryName, ErrorKind: "timeout", Attempts: 2}))

	logger.Info().Object("outcome", o).Msg("done")

	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"primary":{"status":201`)
	assert.Contains(t, buf.String(), `"secondary":{"backend":"secondary"`)
	assert.Contains(t, buf.String(), `"error":"timeout"`)
}
