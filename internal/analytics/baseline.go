package analytics

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"guardstat-service/internal/models"
)

// ComputeStats возвращает среднее и выборочное стандартное отклонение (n-1).
// При n < 2 отклонение равно 0.
func ComputeStats(values []float64) (avg, stdDev float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}
	return stat.MeanStdDev(values, nil)
}

// NewBaseline строит базовую линию по delta; заглушки (delta < 0) не учитываются
func NewBaseline(host string, scope models.Scope, date string, deltas []models.DeltaSample) (models.Baseline, error) {
	values := make([]float64, 0, len(deltas))
	for _, d := range deltas {
		if d.Delta < 0 {
			continue
		}
		values = append(values, float64(d.Delta))
	}

	if len(values) == 0 {
		return models.Baseline{}, &EmptyInputError{Host: host, Scope: scope, Date: date}
	}

	avg, stdDev := ComputeStats(values)
	return models.Baseline{
		Host:   host,
		Scope:  scope,
		Date:   date,
		Low:    avg - stdDev,
		Avg:    avg,
		High:   avg + stdDev,
		StdDev: stdDev,
		Count:  len(values),
	}, nil
}

// OverallBaseline общая базовая линия хоста по всем delta (не по дневным средним)
func OverallBaseline(host string, deltas []models.DeltaSample) (models.Baseline, error) {
	return NewBaseline(host, models.ScopeOverall, "", deltas)
}

// DailyBaselines группирует delta по календарной дате и строит дневные базовые линии.
// Результат отсортирован по дате.
func DailyBaselines(host string, deltas []models.DeltaSample) ([]models.Baseline, error) {
	if len(deltas) == 0 {
		return nil, &EmptyInputError{Host: host, Scope: models.ScopeDaily}
	}

	byDate := make(map[string][]models.DeltaSample)
	dates := make([]string, 0)
	for _, d := range deltas {
		if _, ok := byDate[d.Date]; !ok {
			dates = append(dates, d.Date)
		}
		byDate[d.Date] = append(byDate[d.Date], d)
	}
	sort.Strings(dates)

	baselines := make([]models.Baseline, 0, len(dates))
	for _, date := range dates {
		b, err := NewBaseline(host, models.ScopeDaily, date, byDate[date])
		if err != nil {
			return nil, err
		}
		baselines = append(baselines, b)
	}

	return baselines, nil
}
