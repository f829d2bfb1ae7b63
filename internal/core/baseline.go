package core

import "diagcore/pkg/domain"

// Five-tone categories from the classical wuyin scale, used as the dominant
// voice categories reported by the diagnosis collaborator.
const (
	ToneGong  = "gong"
	ToneShang = "shang"
	ToneJue   = "jue"
	ToneZhi   = "zhi"
	ToneYu    = "yu"
)

// BaselineSnapshot returns the hard-coded default parameter tree seeded on
// first-ever initialization. Each tone maps to the disharmony pattern of its
// associated organ system; all weight groups sum to 1 and every threshold
// triple is ordered.
func BaselineSnapshot() domain.ParameterSnapshot {
	return domain.Group(map[string]*domain.ParameterNode{
		"fiveToneWeights": domain.WeightGroup(map[string]float64{
			ToneGong:  0.2,
			ToneShang: 0.2,
			ToneJue:   0.2,
			ToneZhi:   0.2,
			ToneYu:    0.2,
		}),
		"timbreFeatureWeights": domain.WeightGroup(map[string]float64{
			"roughness":   0.25,
			"breathiness": 0.25,
			"tremor":      0.20,
			"weakness":    0.15,
			"brightness":  0.15,
		}),
		"disharmonyWeights": domain.WeightGroup(map[string]float64{
			"脾虚":   0.2,
			"肺气虚":  0.2,
			"肝郁气滞": 0.2,
			"心火旺":  0.2,
			"肾阳虚":  0.2,
		}),
		"toneDisharmonyMapping": domain.Group(map[string]*domain.ParameterNode{
			ToneGong:  domain.WeightGroup(map[string]float64{"脾虚": 1}),
			ToneShang: domain.WeightGroup(map[string]float64{"肺气虚": 1}),
			ToneJue:   domain.WeightGroup(map[string]float64{"肝郁气滞": 1}),
			ToneZhi:   domain.WeightGroup(map[string]float64{"心火旺": 1}),
			ToneYu:    domain.WeightGroup(map[string]float64{"肾阳虚": 1}),
		}),
		"featureDisharmonyMapping": domain.Group(nil),
		"featureThresholds": domain.Group(map[string]*domain.ParameterNode{
			"roughness":   domain.ThresholdGroup(0.75, 0.5, 0.25),
			"breathiness": domain.ThresholdGroup(0.75, 0.5, 0.25),
			"tremor":      domain.ThresholdGroup(0.8, 0.55, 0.3),
			"weakness":    domain.ThresholdGroup(0.7, 0.45, 0.2),
			"brightness":  domain.ThresholdGroup(0.7, 0.5, 0.3),
		}),
	})
}
