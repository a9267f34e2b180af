// Package util
//
// This file provides summary statistics and a size histogram. The histogram
// uses exponential buckets from bytes to gigabytes and is updated with
// atomics only, so it can sit on the write path of an engine.
package util

import (
	"math"
	"sync/atomic"
)

// ----------------------------------------------------------------------------
// Summary statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation and range of values
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	lo, hi, sum := values[0], values[0], 0.0
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(values))

	var squares float64
	for _, v := range values {
		squares += (v - mean) * (v - mean)
	}

	ratio := 1.0
	if hi > 0 {
		ratio = lo / hi
	}

	return Stats{
		StdDeviation: math.Sqrt(squares / float64(len(values))),
		Min:          lo,
		Max:          hi,
		Mean:         mean,
		MinMaxRatio:  ratio,
	}
}

type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats rates how evenly values are spread. A quality of 1
// means all values are equal, it drops with the coefficient of variation
// and the min/max ratio.
func NewDistributionStats(values []float64) DistributionStats {
	stats := NewStats(values)

	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// histogramBoundaries are the inclusive upper bounds of all but the last bucket
var histogramBoundaries = []int64{
	16, 64, 256, 1024, 4096,
	16384, 65536, 262144, 1048576,
	4194304, 16777216, 67108864,
	268435456, 1073741824, 4294967296,
}

// SizeHistogram tracks the distribution of data sizes in exponential buckets
//
// Thread-safety: all methods are safe for concurrent use. Readers may see a
// sample in the count but not yet in its bucket.
type SizeHistogram struct {
	buckets [16]atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

// AddSample records one size
func (h *SizeHistogram) AddSample(size int) {
	i := 0
	for i < len(histogramBoundaries) && int64(size) > histogramBoundaries[i] {
		i++
	}
	h.buckets[i].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// GetCount returns the number of samples
func (h *SizeHistogram) GetCount() int64 {
	return h.count.Load()
}

// AverageSize returns the mean of all samples
func (h *SizeHistogram) AverageSize() int {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return int(h.sum.Load() / n)
}

// MedianEstimate estimates the median from the bucket counts
func (h *SizeHistogram) MedianEstimate() int {
	return h.GetPercentileEstimate(50)
}

// GetPercentileEstimate estimates the given percentile (0-100) as the
// midpoint of the bucket it falls into
func (h *SizeHistogram) GetPercentileEstimate(percentile int) int {
	n := h.count.Load()
	if n == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(n) * float64(percentile) / 100.0))
	var cumulative int64
	for i := range h.buckets {
		cumulative += h.buckets[i].Load()
		if cumulative >= target {
			return bucketMidpoint(i)
		}
	}
	return h.AverageSize()
}

// SizeDistribution returns the bucket bounds and the share of samples per
// bucket in percent
func (h *SizeHistogram) SizeDistribution() ([]int64, []float64) {
	shares := make([]float64, len(h.buckets))
	n := h.count.Load()
	if n == 0 {
		return histogramBoundaries, shares
	}
	for i := range h.buckets {
		shares[i] = float64(h.buckets[i].Load()) * 100.0 / float64(n)
	}
	return histogramBoundaries, shares
}

// Reset clears all samples
func (h *SizeHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
}

func bucketMidpoint(i int) int {
	switch {
	case i == 0:
		return int(histogramBoundaries[0] / 2)
	case i < len(histogramBoundaries):
		return int((histogramBoundaries[i-1] + histogramBoundaries[i]) / 2)
	default:
		return int(histogramBoundaries[len(histogramBoundaries)-1] * 2)
	}
}
