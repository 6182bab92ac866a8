package reputation

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusteredData(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		data[i] = []float64{
			10 + rng.Float64(),
			5 + rng.Float64()*0.5,
		}
	}
	return data
}

func TestForestIsDeterministicForSeed(t *testing.T) {
	data := clusteredData(100, 7)
	point := []float64{10.5, 5.2}

	a := TrainForest(data, 42).AnomalyScore(point)
	b := TrainForest(data, 42).AnomalyScore(point)
	assert.Equal(t, a, b)
}

func TestOutlierScoresHigherThanInlier(t *testing.T) {
	data := clusteredData(200, 7)
	forest := TrainForest(data, 42)

	inlier := forest.AnomalyScore([]float64{10.5, 5.25})
	outlier := forest.AnomalyScore([]float64{90, 40})

	assert.Greater(t, outlier, inlier)
	assert.Greater(t, outlier, 0.5, "a far outlier isolates quickly")
}

func TestScoresStayInRange(t *testing.T) {
	data := clusteredData(50, 3)
	forest := TrainForest(data, 42)

	for _, p := range [][]float64{{10, 5}, {0, 0}, {1e6, -1e6}} {
		s := forest.AnomalyScore(p)
		assert.Greater(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestDecisionFunctionSign(t *testing.T) {
	data := clusteredData(200, 7)
	forest := TrainForest(data, 42)

	assert.Positive(t, forest.DecisionFunction([]float64{10.5, 5.25}), "inlier")
	assert.Negative(t, forest.DecisionFunction([]float64{90, 40}), "outlier")
}

func TestSubsamplingCapsTreeSize(t *testing.T) {
	data := clusteredData(forestMaxSample+200, 9)
	forest := TrainForest(data, 42)
	require.Len(t, forest.trees, forestTrees)
	assert.Equal(t, forestMaxSample, forest.sampleSize)
}

func TestConstantDataIsNeutral(t *testing.T) {
	data := make([][]float64, 50)
	for i := range data {
		data[i] = []float64{3, 3}
	}
	forest := TrainForest(data, 42)

	// With no variance nothing isolates: every point lands in a root leaf.
	s := forest.AnomalyScore([]float64{3, 3})
	assert.InDelta(t, s, forest.AnomalyScore([]float64{100, 100}), 1e-9)
	assert.Greater(t, s, 0.0)
}

func TestAvgPathLength(t *testing.T) {
	assert.Equal(t, 0.0, avgPathLength(1))
	assert.Equal(t, 0.0, avgPathLength(0))
	// c(2) = 2(ln(1) + gamma) - 2*1/2 = 2*gamma - 1
	assert.InDelta(t, 2*0.5772156649-1, avgPathLength(2), 1e-9)
	assert.Greater(t, avgPathLength(256), avgPathLength(16))
}
