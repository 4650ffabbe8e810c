package mitm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatisticsFirstTimestampIsSetOnce(t *testing.T) {
	var stats GenerationStatistics
	assert.True(t, stats.FirstCertificateGenerated().IsZero())
	assert.Zero(t, stats.Snapshot().FirstCertificateGeneratedTimestampMs)

	start := time.Now()
	stats.CertificateCreated(start, start.Add(30*time.Millisecond))
	first := stats.FirstCertificateGenerated()
	require.False(t, first.IsZero())
	assert.False(t, first.After(start.Add(30*time.Millisecond)))

	later := start.Add(time.Hour)
	stats.CertificateCreated(later, later.Add(10*time.Millisecond))
	assert.Equal(t, first, stats.FirstCertificateGenerated())
}

func TestStatisticsTotalsAndAverage(t *testing.T) {
	var stats GenerationStatistics
	assert.Zero(t, stats.AverageGenerationTime())

	start := time.Now()
	stats.CertificateCreated(start, start.Add(10*time.Millisecond))
	stats.CertificateCreated(start, start.Add(30*time.Millisecond))

	assert.EqualValues(t, 2, stats.CertificatesGenerated())
	assert.Equal(t, 40*time.Millisecond, stats.TotalGenerationTime())
	assert.Equal(t, 20*time.Millisecond, stats.AverageGenerationTime())

	snap := stats.Snapshot()
	assert.EqualValues(t, 2, snap.CertificatesGenerated)
	assert.EqualValues(t, 40, snap.TotalCertificateGenerationTimeMs)
	assert.EqualValues(t, 20, snap.AvgCertificateGenerationTimeMs)
}

func TestStatisticsConcurrentRecording(t *testing.T) {
	var stats GenerationStatistics
	var wg sync.WaitGroup
	start := time.Now()
	for n := 0; n < 100; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats.CertificateCreated(start, start.Add(time.Millisecond))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 100, stats.CertificatesGenerated())
	assert.Equal(t, 100*time.Millisecond, stats.TotalGenerationTime())
}
