package mitm

import (
	"sync/atomic"
	"time"
)

// GenerationStatistics tracks certificate generation. All counters are
// monotonic and updated without locks.
type GenerationStatistics struct {
	generated   atomic.Int64
	totalMillis atomic.Int64
	firstMillis atomic.Int64
}

// CertificateCreated records a generation that ran from start to finish.
// The first call also fixes the first-generation timestamp; later calls
// never move it.
func (s *GenerationStatistics) CertificateCreated(start, finish time.Time) {
	s.generated.Add(1)
	if elapsed := finish.Sub(start).Milliseconds(); elapsed > 0 {
		s.totalMillis.Add(elapsed)
	}
	s.firstMillis.CompareAndSwap(0, finish.UnixMilli())
}

func (s *GenerationStatistics) CertificatesGenerated() int64 {
	return s.generated.Load()
}

func (s *GenerationStatistics) TotalGenerationTime() time.Duration {
	return time.Duration(s.totalMillis.Load()) * time.Millisecond
}

func (s *GenerationStatistics) AverageGenerationTime() time.Duration {
	n := s.generated.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.totalMillis.Load()/n) * time.Millisecond
}

// FirstCertificateGenerated is zero until a certificate has been generated.
func (s *GenerationStatistics) FirstCertificateGenerated() time.Time {
	ms := s.firstMillis.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// StatisticsSnapshot is a point-in-time copy suitable for encoding.
type StatisticsSnapshot struct {
	CertificatesGenerated                int64 `json:"certificatesGenerated"`
	TotalCertificateGenerationTimeMs     int64 `json:"totalCertificateGenerationTimeMs"`
	AvgCertificateGenerationTimeMs       int64 `json:"avgCertificateGenerationTimeMs"`
	FirstCertificateGeneratedTimestampMs int64 `json:"firstCertificateGeneratedTimestamp"`
}

func (s *GenerationStatistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		CertificatesGenerated:                s.CertificatesGenerated(),
		TotalCertificateGenerationTimeMs:     s.totalMillis.Load(),
		AvgCertificateGenerationTimeMs:       s.AverageGenerationTime().Milliseconds(),
		FirstCertificateGeneratedTimestampMs: s.firstMillis.Load(),
	}
}
