package domain

// RiskAssessment is the result of evaluating a subwallet or pending transaction.
type RiskAssessment struct {
	Score   int       `json:"score"`
	Level   RiskLevel `json:"level"`
	Factors []string  `json:"factors"`
}
