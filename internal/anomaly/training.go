package anomaly

import (
	"math/rand"

	"wardennet/internal/aggregate"
	"wardennet/internal/config"
)

// trainingSeed pins the synthetic data generation so the forest is
// rebuildable deterministically from a fixed seed, per the ownership note
// that the Anomaly Engine owns a model "re-buildable deterministically from
// a fixed seed."
const trainingSeed = 42

// samplesPerRegime controls how many synthetic rows each regime
// contributes before class weighting duplicates the anomalous ones.
const samplesPerRegime = 400

// generateTrainingData synthesises labelled FeatureVectors in three regimes
// (low-activity normal; high-activity mixed anomalous; gaming-present
// anomalous), then labels each sample with the same hard-threshold rule the
// live engine evaluates, so the forest learns that exact boundary. Class
// weighting favors recall on the anomalous class by oversampling it.
func generateTrainingData(t config.AnomalyThresholds) []sample {
	rng := rand.New(rand.NewSource(trainingSeed))
	var samples []sample

	for i := 0; i < samplesPerRegime; i++ {
		samples = append(samples, labelledSample(lowActivityRegime(rng), t))
	}
	for i := 0; i < samplesPerRegime; i++ {
		samples = append(samples, labelledSample(highActivityMixedRegime(rng), t))
	}
	for i := 0; i < samplesPerRegime; i++ {
		samples = append(samples, labelledSample(gamingPresentRegime(rng), t))
	}

	weighted := make([]sample, 0, len(samples)*2)
	for _, s := range samples {
		weighted = append(weighted, s)
		if s.anomaly {
			weighted = append(weighted, s) // oversample anomalous class for recall
		}
	}
	return weighted
}

func labelledSample(fv aggregate.FeatureVector, t config.AnomalyThresholds) sample {
	flag, _ := evaluateRules(fv, t)
	return sample{features: fv.Ordered(), anomaly: flag}
}

// lowActivityRegime: small totals, balanced categories, rarely anomalous.
func lowActivityRegime(rng *rand.Rand) aggregate.FeatureVector {
	total := 5 + rng.Intn(30)
	video := rng.Intn(total/3 + 1)
	social := rng.Intn(total/3 + 1)
	messaging := rng.Intn(total/4 + 1)
	gaming := rng.Intn(1)
	return buildVector(total, video, social, messaging, gaming)
}

// highActivityMixedRegime: large totals dominated by video/social, the
// classic "binge" anomalous profile.
func highActivityMixedRegime(rng *rand.Rand) aggregate.FeatureVector {
	total := 80 + rng.Intn(120)
	video := int(float64(total) * (0.3 + rng.Float64()*0.4))
	social := int(float64(total) * (0.1 + rng.Float64()*0.3))
	messaging := rng.Intn(total / 10)
	gaming := rng.Intn(total / 20)
	return buildVector(total, video, social, messaging, gaming)
}

// gamingPresentRegime: any sustained gaming traffic, regardless of total.
func gamingPresentRegime(rng *rand.Rand) aggregate.FeatureVector {
	total := 10 + rng.Intn(60)
	gaming := 1 + rng.Intn(10)
	video := rng.Intn(total / 4)
	social := rng.Intn(total / 4)
	messaging := rng.Intn(total / 6)
	return buildVector(total, video, social, messaging, gaming)
}

func buildVector(total, video, social, messaging, gaming int) aggregate.FeatureVector {
	if total <= 0 {
		total = 1
	}
	fv := aggregate.FeatureVector{
		Total:     total,
		Video:     video,
		Social:    social,
		Messaging: messaging,
		Gaming:    gaming,
	}
	fv.VideoRatio = float64(fv.Video) / float64(fv.Total)
	fv.SocialRatio = float64(fv.Social) / float64(fv.Total)
	fv.MessagingRatio = float64(fv.Messaging) / float64(fv.Total)
	fv.GamingRatio = float64(fv.Gaming) / float64(fv.Total)
	fv.EntertainmentRatio = float64(fv.Video+fv.Social+fv.Gaming) / float64(fv.Total)
	return fv
}
