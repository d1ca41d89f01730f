package anomaly

import (
	"math"
	"math/rand"
	"sync"

	"github.com/harborwatch/harborwatch/internal/models"
)

// IsolationForest scores (cpu, memory) observations per container against a
// sliding window of recent observations. Points that isolate in few random
// splits score high and are flagged.
type IsolationForest struct {
	mu      sync.Mutex
	history map[string][][2]float64

	windowSize int
	trees      int
	sampleSize int
	threshold  float64
	minSamples int
	rng        *rand.Rand
}

// NewIsolationForest builds the multivariate detector
func NewIsolationForest(minSamples int) *IsolationForest {
	if minSamples < 8 {
		minSamples = 8
	}
	return &IsolationForest{
		history:    make(map[string][][2]float64),
		windowSize: 256,
		trees:      50,
		sampleSize: 64,
		threshold:  0.62,
		minSamples: minSamples,
		rng:        rand.New(rand.NewSource(1)),
	}
}

// Observe records one (cpu, mem) observation for a container
func (f *IsolationForest) Observe(containerID string, cpu, mem float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	window := append(f.history[containerID], [2]float64{cpu, mem})
	if len(window) > f.windowSize {
		window = window[len(window)-f.windowSize:]
	}
	f.history[containerID] = window
}

// Detect scores the current (cpu, mem) point for a container. Returns nil
// when history is too short. The verdict's CurrentValue carries the value of
// the metric type the caller asked about.
func (f *IsolationForest) Detect(containerID, containerName string, metricType models.MetricType, value, cpu, mem float64) *models.AnomalyVerdict {
	f.mu.Lock()
	window := f.history[containerID]
	if len(window) < f.minSamples {
		f.mu.Unlock()
		return nil
	}
	samples := make([][2]float64, len(window))
	copy(samples, window)
	score := f.score(samples, [2]float64{cpu, mem})
	f.mu.Unlock()

	if score < f.threshold {
		return nil
	}

	mean := 0.0
	idx := 0
	if metricType == models.MetricMemory {
		idx = 1
	}
	for _, p := range samples {
		mean += p[idx]
	}
	mean /= float64(len(samples))

	return &models.AnomalyVerdict{
		IsAnomalous:  true,
		ZScore:       score, // anomaly score in [0,1], not a true z
		Mean:         mean,
		CurrentValue: value,
		Method:       models.MethodIsolationForest,
	}
}

// score computes the average isolation-forest anomaly score of point over
// f.trees random trees, normalized to [0, 1].
func (f *IsolationForest) score(samples [][2]float64, point [2]float64) float64 {
	n := f.sampleSize
	if n > len(samples) {
		n = len(samples)
	}

	totalDepth := 0.0
	for t := 0; t < f.trees; t++ {
		sub := make([][2]float64, n)
		for i := range sub {
			sub[i] = samples[f.rng.Intn(len(samples))]
		}
		totalDepth += f.pathLength(sub, point, 0)
	}
	avgDepth := totalDepth / float64(f.trees)

	c := averagePathLength(float64(n))
	if c == 0 {
		return 0
	}
	return math.Pow(2, -avgDepth/c)
}

const maxTreeDepth = 12

func (f *IsolationForest) pathLength(samples [][2]float64, point [2]float64, depth int) float64 {
	if len(samples) <= 1 || depth >= maxTreeDepth {
		return float64(depth) + averagePathLength(float64(len(samples)))
	}

	dim := f.rng.Intn(2)
	lo, hi := samples[0][dim], samples[0][dim]
	for _, s := range samples {
		if s[dim] < lo {
			lo = s[dim]
		}
		if s[dim] > hi {
			hi = s[dim]
		}
	}
	if hi == lo {
		return float64(depth) + averagePathLength(float64(len(samples)))
	}

	split := lo + f.rng.Float64()*(hi-lo)
	var side [][2]float64
	if point[dim] < split {
		for _, s := range samples {
			if s[dim] < split {
				side = append(side, s)
			}
		}
	} else {
		for _, s := range samples {
			if s[dim] >= split {
				side = append(side, s)
			}
		}
	}
	return f.pathLength(side, point, depth+1)
}

// averagePathLength is the expected path length of an unsuccessful BST
// search over n items.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}
