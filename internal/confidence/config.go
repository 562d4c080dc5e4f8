package confidence

import (
	"fmt"
	"math"

	"github.com/xela07ax/formguard/internal/domain"
)

// Weights - вклад под-оценок в общий балл. Сумма должна быть 1.
type Weights struct {
	Behavior     float64 `mapstructure:"behavior" json:"behavior"`
	Anomaly      float64 `mapstructure:"anomaly" json:"anomaly"`
	Format       float64 `mapstructure:"format" json:"format"`
	Completeness float64 `mapstructure:"completeness" json:"completeness"`
}

// Thresholds - лестница статусов: AutoQuarantine <= RequiresReview <= AutoValidate.
type Thresholds struct {
	AutoQuarantine float64 `mapstructure:"auto_quarantine" json:"auto_quarantine"`
	RequiresReview float64 `mapstructure:"requires_review" json:"requires_review"`
	AutoValidate   float64 `mapstructure:"auto_validate" json:"auto_validate"`
}

type Config struct {
	Weights    Weights    `mapstructure:"weights" json:"weights"`
	Thresholds Thresholds `mapstructure:"thresholds" json:"thresholds"`
}

// DefaultConfig - строгие пороги: в validated попадают только почти идеальные записи.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Behavior:     0.30,
			Anomaly:      0.35,
			Format:       0.20,
			Completeness: 0.15,
		},
		Thresholds: Thresholds{
			AutoQuarantine: 0.70,
			RequiresReview: 0.80,
			AutoValidate:   0.95,
		},
	}
}

const weightsTolerance = 1e-6

// Validate проверяет веса и порядок порогов.
func (c Config) Validate() error {
	w := c.Weights
	if w.Behavior < 0 || w.Anomaly < 0 || w.Format < 0 || w.Completeness < 0 {
		return fmt.Errorf("%w: negative weight", domain.ErrInvalidWeights)
	}
	if sum := w.Behavior + w.Anomaly + w.Format + w.Completeness; math.Abs(sum-1) > weightsTolerance {
		return fmt.Errorf("%w: weights sum to %.4f, want 1", domain.ErrInvalidWeights, sum)
	}

	t := c.Thresholds
	if t.AutoQuarantine < 0 || t.AutoValidate > 1 {
		return fmt.Errorf("%w: thresholds must lie in [0,1]", domain.ErrInvalidThresholds)
	}
	if t.AutoQuarantine > t.RequiresReview || t.RequiresReview > t.AutoValidate {
		return fmt.Errorf("%w: need auto_quarantine <= requires_review <= auto_validate, got %.2f/%.2f/%.2f",
			domain.ErrInvalidThresholds, t.AutoQuarantine, t.RequiresReview, t.AutoValidate)
	}
	return nil
}
