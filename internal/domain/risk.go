package domain

// RiskLevel is the tier a risk score falls into
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders levels from LOW (0) to CRITICAL (3)
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// RiskSubject names what an assessment is about
type RiskSubject string

const (
	SubjectVenue         RiskSubject = "venue"
	SubjectMove          RiskSubject = "move"
	SubjectConcentration RiskSubject = "concentration"
)

// RiskAssessment is the additive factor score for a venue, move or concentration
type RiskAssessment struct {
	Factors        map[string]float64 `json:"factors"` // factor -> points contributed
	Subject        RiskSubject        `json:"subject"`
	Target         string             `json:"target"`
	Level          RiskLevel          `json:"level"`
	Recommendation string             `json:"recommendation"`
	Score          int                `json:"score"` // 0..100, higher is riskier
}
