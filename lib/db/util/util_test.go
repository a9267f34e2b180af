package util

import (
	"math"
	"testing"
)

func TestHashBytesDeterministic(t *testing.T) {
	seed := GenerateSeed()
	a := HashBytes([]byte("key-1"), seed)
	if a != HashBytes([]byte("key-1"), seed) {
		t.Error("Hash not deterministic")
	}
	if a == HashBytes([]byte("key-2"), seed) {
		t.Error("Unexpected collision for neighbouring keys")
	}
	if HashBytes([]byte("key-1"), 1) == HashBytes([]byte("key-1"), 2) {
		t.Error("Seed has no influence")
	}
}

func TestHashBytesSpreadsLowBits(t *testing.T) {
	const stripes = 64
	counts := make([]int, stripes)
	for i := 0; i < 64000; i++ {
		key := []byte{byte(i), byte(i >> 8), 'k'}
		counts[HashBytes(key, 0)%stripes]++
	}
	values := make([]float64, stripes)
	for i, c := range counts {
		values[i] = float64(c)
	}
	if q := NewDistributionStats(values).DistributionQuality; q < 0.7 {
		t.Errorf("Poor stripe distribution quality %.2f", q)
	}
}

func TestNewStats(t *testing.T) {
	s := NewStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if s.Mean != 5 || s.Min != 2 || s.Max != 9 {
		t.Errorf("Unexpected stats %+v", s)
	}
	if math.Abs(s.StdDeviation-2) > 1e-9 {
		t.Errorf("Expected standard deviation 2, got %f", s.StdDeviation)
	}
	if (NewStats(nil) != Stats{}) {
		t.Error("Empty input should give zero stats")
	}

	even := NewDistributionStats([]float64{3, 3, 3})
	if even.DistributionQuality != 1 {
		t.Errorf("Expected perfect distribution, got %f", even.DistributionQuality)
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	for i := 0; i < 90; i++ {
		h.AddSample(10)
	}
	for i := 0; i < 10; i++ {
		h.AddSample(2000)
	}

	if h.GetCount() != 100 {
		t.Errorf("Expected 100 samples, got %d", h.GetCount())
	}
	if avg := h.AverageSize(); avg != (90*10+10*2000)/100 {
		t.Errorf("Unexpected average %d", avg)
	}
	if med := h.MedianEstimate(); med != 8 {
		t.Errorf("Expected median estimate 8, got %d", med)
	}
	if p99 := h.GetPercentileEstimate(99); p99 != (1024+4096)/2 {
		t.Errorf("Unexpected p99 %d", p99)
	}

	_, shares := h.SizeDistribution()
	if shares[0] != 90 || shares[4] != 10 {
		t.Errorf("Unexpected distribution %v", shares)
	}

	h.Reset()
	if h.GetCount() != 0 || h.AverageSize() != 0 {
		t.Error("Reset did not clear the histogram")
	}
}
