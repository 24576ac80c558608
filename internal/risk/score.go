package risk

// Severity grades a hazard detection
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, low being 1. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Category is the hazard family a detection belongs to; cooldowns are keyed on it.
type Category string

const (
	CategoryPerson      Category = "person"
	CategoryPPE         Category = "ppe"
	CategoryBehavior    Category = "behavior"
	CategoryGeofence    Category = "geofence"
	CategoryEnvironment Category = "environment"
)

// Dimension is the safety sub-score a detection weighs on
type Dimension string

const (
	DimensionPPE         Dimension = "ppe"
	DimensionBehavior    Dimension = "behavior"
	DimensionEnvironment Dimension = "environment"
)

const (
	scoreMin = 0
	scoreMax = 100
)

// SafetyScore is the site-wide aggregate. Every field stays within [0,100].
type SafetyScore struct {
	Overall     int `json:"overall"`
	PPE         int `json:"ppe"`
	Behavior    int `json:"behavior"`
	Environment int `json:"environment"`
}

// Baseline is the score of a site with no incident pressure.
func Baseline() SafetyScore {
	return SafetyScore{Overall: scoreMax, PPE: scoreMax, Behavior: scoreMax, Environment: scoreMax}
}

// AtBaseline reports whether every field is at 100.
func (s SafetyScore) AtBaseline() bool {
	return s == Baseline()
}

// Penalize lowers the given dimension and the overall score by amount.
func (s SafetyScore) Penalize(dim Dimension, amount int) SafetyScore {
	switch dim {
	case DimensionPPE:
		s.PPE = clamp(s.PPE - amount)
	case DimensionBehavior:
		s.Behavior = clamp(s.Behavior - amount)
	case DimensionEnvironment:
		s.Environment = clamp(s.Environment - amount)
	}
	s.Overall = clamp(s.Overall - amount)
	return s
}

// Recover raises every field by step.
func (s SafetyScore) Recover(step int) SafetyScore {
	return SafetyScore{
		Overall:     clamp(s.Overall + step),
		PPE:         clamp(s.PPE + step),
		Behavior:    clamp(s.Behavior + step),
		Environment: clamp(s.Environment + step),
	}
}

// Clamped forces every field into range, used for restored state.
func (s SafetyScore) Clamped() SafetyScore {
	return SafetyScore{
		Overall:     clamp(s.Overall),
		PPE:         clamp(s.PPE),
		Behavior:    clamp(s.Behavior),
		Environment: clamp(s.Environment),
	}
}

func clamp(v int) int {
	if v < scoreMin {
		return scoreMin
	}
	if v > scoreMax {
		return scoreMax
	}
	return v
}

// Policy holds the scoring constants.
type Policy struct {
	RiskWeights        map[Severity]int
	SafetyPenalties    map[Severity]int
	RiskDecayStep      int
	SafetyRecoveryStep int
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		RiskWeights: map[Severity]int{
			SeverityLow:      5,
			SeverityMedium:   10,
			SeverityHigh:     20,
			SeverityCritical: 35,
		},
		SafetyPenalties: map[Severity]int{
			SeverityLow:      1,
			SeverityMedium:   2,
			SeverityHigh:     4,
			SeverityCritical: 6,
		},
		RiskDecayStep:      2,
		SafetyRecoveryStep: 1,
	}
}
