package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/models"
)

// DateLayout is the calendar date format used by the analytics API.
const DateLayout = "2006-01-02"

// MessageCounter counts stored messages created in [start, end).
type MessageCounter interface {
	CountMessagesBetween(ctx context.Context, start, end time.Time) (total, ai int, err error)
}

// PeriodStats is a run of days with its totals.
type PeriodStats struct {
	Days   []models.DailyStats
	Totals models.PeriodTotals
}

// AnalyticsService reports message volume and automation cost per day.
type AnalyticsService struct {
	counter   MessageCounter
	costCents int
	loc       *time.Location
	now       func() time.Time
}

func NewAnalyticsService(counter MessageCounter) *AnalyticsService {
	return &AnalyticsService{
		counter:   counter,
		costCents: constants.DefaultAIMessageCostCents,
		loc:       time.UTC,
		now:       time.Now,
	}
}

// ParseDate parses YYYY-MM-DD; empty means today.
func (a *AnalyticsService) ParseDate(raw string) (time.Time, error) {
	if raw == "" {
		return a.today(), nil
	}
	d, err := time.ParseInLocation(DateLayout, raw, a.loc)
	if err != nil {
		return time.Time{}, apperrors.NewValidationError("date", "date must be formatted as YYYY-MM-DD")
	}
	return d, nil
}

func (a *AnalyticsService) today() time.Time {
	now := a.now().In(a.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)
}

// Daily returns the stats of the calendar day containing day.
func (a *AnalyticsService) Daily(ctx context.Context, day time.Time) (models.DailyStats, error) {
	day = day.In(a.loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, a.loc)

	total, ai, err := a.counter.CountMessagesBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return models.DailyStats{}, apperrors.NewDatabaseError("count messages", err)
	}
	return models.DailyStats{
		Date:          start.Format(DateLayout),
		TotalMessages: total,
		AIMessages:    ai,
		Cost:          a.cost(ai),
	}, nil
}

// Weekly covers the last seven days including today.
func (a *AnalyticsService) Weekly(ctx context.Context) (PeriodStats, error) {
	end := a.today()
	return a.period(ctx, end.AddDate(0, 0, -6), end)
}

// Monthly covers the first of the current month through today.
func (a *AnalyticsService) Monthly(ctx context.Context) (PeriodStats, error) {
	end := a.today()
	return a.period(ctx, time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, a.loc), end)
}

func (a *AnalyticsService) period(ctx context.Context, start, end time.Time) (PeriodStats, error) {
	out := PeriodStats{Days: []models.DailyStats{}}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		stats, err := a.Daily(ctx, d)
		if err != nil {
			return PeriodStats{}, err
		}
		out.Days = append(out.Days, stats)
		out.Totals.TotalMessages += stats.TotalMessages
		out.Totals.TotalAIMessages += stats.AIMessages
	}
	out.Totals.TotalCost = a.cost(out.Totals.TotalAIMessages)
	out.Totals.Period = fmt.Sprintf("%s to %s", start.Format(DateLayout), end.Format(DateLayout))
	return out, nil
}

func (a *AnalyticsService) cost(aiMessages int) float64 {
	return math.Round(float64(aiMessages*a.costCents)) / 100
}
