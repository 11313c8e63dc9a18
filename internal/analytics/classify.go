package analytics

import "guardstat-service/internal/models"

// Метки журнала аномалий
const (
	LabelSevereHigh3 = "sevh3"
	LabelSevereHigh2 = "sevh2"
	LabelSevereHigh1 = "sevh1"
	LabelSevereLow3  = "sevl3"
	LabelSevereLow2  = "sevl2"
	LabelSevereLow1  = "sevl1"
	LabelSevereZero  = "sev0"
	LabelGlobal      = "glob"
	LabelNoResponse  = "nores"
	LabelModerate    = "mod"
)

// Classify определяет уровень аномальности delta по дневной и общей полосам.
// Нулевая delta всегда Severe, даже если 0 лежит внутри обеих полос.
func Classify(delta int64, day, overall models.Bands) models.Severity {
	if delta < 0 {
		return models.SeverityBlank
	}
	if delta == 0 {
		return models.SeveritySevere
	}

	d := float64(delta)
	if (d > overall.High && d > day.High) || (d < overall.Low && d < day.Low) {
		return models.SeveritySevere
	}

	if (d > overall.High && d <= day.High) ||
		(d <= overall.High && d > day.High) ||
		(d < overall.Low && d >= day.Low) ||
		(d >= overall.Low && d < day.Low) {
		return models.SeverityModerate
	}

	return models.SeverityNormal
}

// ClassifySample классифицирует delta-отсчет; time метка HH:MM для отображения
func ClassifySample(d models.DeltaSample, daily, overall models.Baseline, time string) models.ClassifiedSample {
	return models.ClassifiedSample{
		DeltaSample: d,
		Severity:    Classify(d.Delta, daily.Bands(), overall.Bands()),
		Time:        time,
	}
}

// AnomalyLabel возвращает метку журнала для отсчета; для Normal пустая строка.
// Подуровни Severe считаются от дневной полосы с шагом в треть отклонения.
func AnomalyLabel(s models.ClassifiedSample, daily models.Baseline) string {
	switch s.Severity {
	case models.SeverityBlank:
		return LabelNoResponse
	case models.SeverityModerate:
		return LabelModerate
	case models.SeveritySevere, models.SeverityGlobal:
	default:
		return ""
	}

	// нулевая delta помечается sev0 и после переразметки в Global
	if s.Delta == 0 {
		return LabelSevereZero
	}
	if s.Severity == models.SeverityGlobal {
		return LabelGlobal
	}

	d := float64(s.Delta)
	switch {
	case d > daily.High+daily.StdDev*(2.0/3.0):
		return LabelSevereHigh3
	case d > daily.High+daily.StdDev*(1.0/3.0):
		return LabelSevereHigh2
	case d > daily.High:
		return LabelSevereHigh1
	case d < daily.Low-daily.StdDev*(2.0/3.0):
		return LabelSevereLow3
	case d < daily.Low-daily.StdDev*(1.0/3.0):
		return LabelSevereLow2
	default:
		return LabelSevereLow1
	}
}

// AnomalyRecords собирает записи журнала по аномальным отсчетам дня
func AnomalyRecords(day models.ClassifiedDay) []models.AnomalyRecord {
	var records []models.AnomalyRecord
	for _, s := range day.Samples {
		if !s.Severity.IsAnomalous() {
			continue
		}
		records = append(records, models.AnomalyRecord{
			Host:     day.Host,
			Epoch:    s.Epoch,
			Severity: s.Severity,
			Label:    AnomalyLabel(s, day.Daily),
		})
	}
	return records
}

// Summarize считает сводку по дню. День Moderate, если его среднее вне общей полосы,
// и Severe, если вдобавок больше трети записей Severe.
func Summarize(day models.ClassifiedDay) models.DaySummary {
	sum := models.DaySummary{
		Host:      day.Host,
		Date:      day.Date,
		Avg:       day.Daily.Avg,
		Condition: models.SeverityNormal,
		Total:     len(day.Samples),
	}

	for _, s := range day.Samples {
		switch s.Severity {
		case models.SeverityModerate:
			sum.Moderate++
		case models.SeveritySevere:
			sum.Severe++
		case models.SeverityGlobal:
			sum.Global++
		case models.SeverityBlank:
			sum.Blank++
		}
	}

	if day.Daily.Avg > day.Overall.High || day.Daily.Avg < day.Overall.Low {
		sum.Condition = models.SeverityModerate
		if sum.Total > 0 && float64(sum.Severe)/float64(sum.Total) > 0.33 {
			sum.Condition = models.SeveritySevere
		}
	}

	return sum
}
