package analytics

import (
	"fmt"
	"time"

	"guardstat-service/internal/models"
)

const (
	// dstWindow сколько первых отсчетов дня проверяется на сдвиг летнего времени
	dstWindow  = 8
	timeLayout = "15:04"
)

// Normalizer приводит отсчеты дня к расписанию из 96 слотов и к локальному времени
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer создает нормализатор для заданного часового пояса
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// DisplayTime переводит epoch в локальное время HH:MM с учетом смещения на эту дату
func (n *Normalizer) DisplayTime(epoch int64) string {
	return time.Unix(epoch, 0).In(n.loc).Format(timeLayout)
}

// AdjustDST сдвигает на час метки 23:xx и 00:xx среди первых отсчетов дня,
// если день начинается с 23 часов или содержит больше 96 отсчетов.
// Меняется только Time, delta и epoch не трогаются.
func (n *Normalizer) AdjustDST(samples []models.ClassifiedSample) []models.ClassifiedSample {
	out := make([]models.ClassifiedSample, len(samples))
	copy(out, samples)

	if len(out) == 0 {
		return out
	}
	if hourOf(out[0].Time) != 23 && len(out) <= models.SlotsPerDay {
		return out
	}

	for i := 0; i < dstWindow && i < len(out); i++ {
		h := hourOf(out[i].Time)
		if h == 23 || h == 0 {
			out[i].Time = shiftLabel(out[i].Time, time.Hour)
		}
	}

	return out
}

// FillGaps вставляет Blank-заглушку для каждого из 96 слотов без отсчетов.
// Если в дне уже 96 и более отсчетов, вставка не выполняется.
func (n *Normalizer) FillGaps(host, date string, samples []models.ClassifiedSample) ([]models.ClassifiedSample, error) {
	if len(samples) >= models.SlotsPerDay {
		out := make([]models.ClassifiedSample, len(samples))
		copy(out, samples)
		return out, nil
	}

	day, err := time.ParseInLocation(models.DateLayout, date, n.loc)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}

	bySlot := make([][]models.ClassifiedSample, models.SlotsPerDay)
	for _, s := range samples {
		slot := slotOf(s.Time)
		bySlot[slot] = append(bySlot[slot], s)
	}

	out := make([]models.ClassifiedSample, 0, models.SlotsPerDay)
	for slot := 0; slot < models.SlotsPerDay; slot++ {
		if len(bySlot[slot]) > 0 {
			out = append(out, bySlot[slot]...)
			continue
		}

		minutes := slot * int(models.SlotDuration/time.Minute)
		at := time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, n.loc)
		out = append(out, models.ClassifiedSample{
			DeltaSample: models.DeltaSample{
				Host:  host,
				Delta: models.BlankDelta,
				Date:  date,
				Epoch: at.Unix(),
			},
			Severity: models.SeverityBlank,
			Time:     fmt.Sprintf("%02d:%02d", minutes/60, minutes%60),
		})
	}

	return out, nil
}

// Normalize применяет сдвиг летнего времени, затем заполняет пропуски
func (n *Normalizer) Normalize(host, date string, samples []models.ClassifiedSample) ([]models.ClassifiedSample, error) {
	return n.FillGaps(host, date, n.AdjustDST(samples))
}

func hourOf(label string) int {
	t, err := time.Parse(timeLayout, label)
	if err != nil {
		return -1
	}
	return t.Hour()
}

// slotOf номер 15-минутного слота для метки HH:MM
func slotOf(label string) int {
	t, err := time.Parse(timeLayout, label)
	if err != nil {
		return 0
	}
	return (t.Hour()*60 + t.Minute()) / int(models.SlotDuration/time.Minute)
}

func shiftLabel(label string, d time.Duration) string {
	t, err := time.Parse(timeLayout, label)
	if err != nil {
		return label
	}
	return t.Add(d).Format(timeLayout)
}
