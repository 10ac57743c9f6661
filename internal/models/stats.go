package models

// DailyStats is the message volume of one calendar day.
type DailyStats struct {
	Date          string  `json:"date"`
	TotalMessages int     `json:"total_messages"`
	AIMessages    int     `json:"ai_messages"`
	Cost          float64 `json:"cost"`
}

// PeriodTotals sums a range of DailyStats.
type PeriodTotals struct {
	TotalMessages   int     `json:"total_messages"`
	TotalAIMessages int     `json:"total_ai_messages"`
	TotalCost       float64 `json:"total_cost"`
	Period          string  `json:"period"`
}
