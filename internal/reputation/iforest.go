package reputation

import (
	"math"
	"math/rand"
)

// Isolation forest: anomalies isolate in fewer random splits than inliers.
// Deterministic for a given seed so repeated scoring of the same history
// yields the same verdict.

const (
	forestTrees     = 100
	forestMaxSample = 256
)

type isoNode struct {
	feature int
	split   float64
	left    *isoNode
	right   *isoNode
	size    int // leaf population; 0 for internal nodes
}

// IsolationForest is a trained ensemble over fixed-width feature vectors.
type IsolationForest struct {
	trees      []*isoNode
	sampleSize int
}

// TrainForest fits an isolation forest on the data with a fixed seed.
func TrainForest(data [][]float64, seed int64) *IsolationForest {
	sampleSize := len(data)
	if sampleSize > forestMaxSample {
		sampleSize = forestMaxSample
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	rng := rand.New(rand.NewSource(seed))
	forest := &IsolationForest{sampleSize: sampleSize}

	for i := 0; i < forestTrees; i++ {
		sample := make([][]float64, sampleSize)
		for j, idx := range rng.Perm(len(data))[:sampleSize] {
			sample[j] = data[idx]
		}
		forest.trees = append(forest.trees, buildTree(sample, 0, maxDepth, rng))
	}
	return forest
}

func buildTree(points [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(points) <= 1 || depth >= maxDepth {
		return &isoNode{size: max(len(points), 1)}
	}

	// Pick a feature that still varies inside this partition.
	nFeatures := len(points[0])
	perm := rng.Perm(nFeatures)
	var (
		feature  = -1
		lo, hi   float64
		foundVar bool
	)
	for _, f := range perm {
		lo, hi = points[0][f], points[0][f]
		for _, p := range points {
			lo = math.Min(lo, p[f])
			hi = math.Max(hi, p[f])
		}
		if hi > lo {
			feature = f
			foundVar = true
			break
		}
	}
	if !foundVar {
		return &isoNode{size: len(points)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(points)}
	}

	return &isoNode{
		feature: feature,
		split:   split,
		left:    buildTree(left, depth+1, maxDepth, rng),
		right:   buildTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(node *isoNode, x []float64, depth float64) float64 {
	if node.left == nil {
		return depth + avgPathLength(node.size)
	}
	if x[node.feature] < node.split {
		return pathLength(node.left, x, depth+1)
	}
	return pathLength(node.right, x, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST search in
// a tree of n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}

// AnomalyScore returns s(x) in (0, 1]: values near 1 isolate quickly and are
// anomalous; values near 0.5 are indistinguishable from the bulk.
func (f *IsolationForest) AnomalyScore(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/avgPathLength(f.sampleSize))
}

// DecisionFunction mirrors the usual convention: positive means inlier,
// negative means outlier.
func (f *IsolationForest) DecisionFunction(x []float64) float64 {
	return 0.5 - f.AnomalyScore(x)
}
