// forest.go implements a small random-forest-style ensemble of decision
// trees. No ecosystem random-forest package exists anywhere in the examined
// corpus, so the tree structure itself is hand-rolled here; gonum/stat
// supplies the quantile helper that picks each split threshold, and Gini
// impurity is computed by hand below.
package anomaly

import (
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	numFeatures  = 10
	forestSize   = 31
	maxTreeDepth = 5
	minSamples   = 6
)

// sample is one row of training data: a fixed-order feature vector and its
// anomalous/normal label.
type sample struct {
	features [numFeatures]float64
	anomaly  bool
}

// node is one decision tree node. Leaves have isLeaf=true and a vote.
type node struct {
	isLeaf    bool
	vote      bool
	feature   int
	threshold float64
	left      *node
	right     *node
}

func (n *node) predict(features [numFeatures]float64) bool {
	if n.isLeaf {
		return n.vote
	}
	if features[n.feature] <= n.threshold {
		return n.left.predict(features)
	}
	return n.right.predict(features)
}

// Forest is an ensemble of decision trees, each trained on a bootstrap
// sample of the training set with a random feature subset per split.
type Forest struct {
	trees []*node
}

// TrainForest grows forestSize trees deterministically from the given seed.
func TrainForest(data []sample, seed int64) *Forest {
	rng := rand.New(rand.NewSource(seed))
	f := &Forest{trees: make([]*node, 0, forestSize)}
	for i := 0; i < forestSize; i++ {
		boot := bootstrapSample(data, rng)
		f.trees = append(f.trees, growTree(boot, rng, 0))
	}
	return f
}

// Predict scores features against every tree and returns the majority vote
// plus the fraction of trees that voted anomalous as a confidence score.
func (f *Forest) Predict(features [numFeatures]float64) (anomalous bool, confidence float64) {
	if len(f.trees) == 0 {
		return false, 0
	}
	votes := 0
	for _, t := range f.trees {
		if t.predict(features) {
			votes++
		}
	}
	confidence = float64(votes) / float64(len(f.trees))
	return confidence >= 0.5, confidence
}

func bootstrapSample(data []sample, rng *rand.Rand) []sample {
	out := make([]sample, len(data))
	for i := range out {
		out[i] = data[rng.Intn(len(data))]
	}
	return out
}

func growTree(data []sample, rng *rand.Rand, depth int) *node {
	if depth >= maxTreeDepth || len(data) < minSamples || isPure(data) {
		return &node{isLeaf: true, vote: majorityLabel(data)}
	}

	featureIdx, threshold, ok := bestSplit(data, rng)
	if !ok {
		return &node{isLeaf: true, vote: majorityLabel(data)}
	}

	var left, right []sample
	for _, s := range data {
		if s.features[featureIdx] <= threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{isLeaf: true, vote: majorityLabel(data)}
	}

	return &node{
		feature:   featureIdx,
		threshold: threshold,
		left:      growTree(left, rng, depth+1),
		right:     growTree(right, rng, depth+1),
	}
}

// bestSplit searches a random subset of features (sqrt(numFeatures),
// standard random-forest practice) and picks the split minimizing weighted
// Gini impurity. Candidate thresholds are the median of each feature's
// values, computed via gonum/stat.
func bestSplit(data []sample, rng *rand.Rand) (int, float64, bool) {
	subset := randomFeatureSubset(rng, 3)

	bestGini := 1.1
	bestFeature := -1
	var bestThreshold float64

	for _, idx := range subset {
		values := make([]float64, len(data))
		for i, s := range data {
			values[i] = s.features[idx]
		}
		sortedCopy := append([]float64(nil), values...)
		sort.Float64s(sortedCopy)
		threshold := stat.Quantile(0.5, stat.Empirical, sortedCopy, nil)

		var left, right []sample
		for _, s := range data {
			if s.features[idx] <= threshold {
				left = append(left, s)
			} else {
				right = append(right, s)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}

		gini := weightedGini(left, right)
		if gini < bestGini {
			bestGini = gini
			bestFeature = idx
			bestThreshold = threshold
		}
	}

	if bestFeature < 0 {
		return 0, 0, false
	}
	return bestFeature, bestThreshold, true
}

func randomFeatureSubset(rng *rand.Rand, n int) []int {
	perm := rng.Perm(numFeatures)
	if n > numFeatures {
		n = numFeatures
	}
	return perm[:n]
}

func weightedGini(left, right []sample) float64 {
	total := float64(len(left) + len(right))
	return gini(left)*float64(len(left))/total + gini(right)*float64(len(right))/total
}

func gini(data []sample) float64 {
	if len(data) == 0 {
		return 0
	}
	anomalous := 0
	for _, s := range data {
		if s.anomaly {
			anomalous++
		}
	}
	p := float64(anomalous) / float64(len(data))
	return 1 - p*p - (1-p)*(1-p)
}

func isPure(data []sample) bool {
	if len(data) == 0 {
		return true
	}
	first := data[0].anomaly
	for _, s := range data[1:] {
		if s.anomaly != first {
			return false
		}
	}
	return true
}

func majorityLabel(data []sample) bool {
	if len(data) == 0 {
		return false
	}
	count := 0
	for _, s := range data {
		if s.anomaly {
			count++
		}
	}
	return count*2 >= len(data)
}
