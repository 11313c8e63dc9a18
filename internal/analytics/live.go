package analytics

import "guardstat-service/internal/models"

// DefaultLiveWindowDays сколько дней истории учитывается при живой проверке
const DefaultLiveWindowDays = 30

// LiveEvaluator проверяет один новый отсчет без пересчета базовых линий
type LiveEvaluator struct {
	normalizer *Normalizer
	windowDays int
}

// NewLiveEvaluator создает оценщик; windowDays ограничивает историю каждого слота
func NewLiveEvaluator(n *Normalizer, windowDays int) *LiveEvaluator {
	if windowDays <= 0 {
		windowDays = DefaultLiveWindowDays
	}
	return &LiveEvaluator{normalizer: n, windowDays: windowDays}
}

// HistoryLimit сколько последних отсчетов хоста нужно для оценки
func (e *LiveEvaluator) HistoryLimit() int {
	return e.windowDays * models.SlotsPerDay
}

// Evaluate сравнивает отсчет с историей того же времени суток и с общей полосой хоста.
// Проверки идут по порядку, срабатывает первая.
func (e *LiveEvaluator) Evaluate(in models.LiveInput, overall models.Baseline, history []models.RawSample) models.LiveResult {
	label := e.normalizer.DisplayTime(in.Epoch)

	profile := NewTimeProfile(e.windowDays)
	for _, h := range history {
		profile.Observe(e.normalizer.DisplayTime(h.Epoch), float64(h.Events))
	}
	avg, stdDev, matches := profile.Stats(label)

	res := models.LiveResult{
		Host:       in.Host,
		Epoch:      in.Epoch,
		Events:     in.Events,
		Time:       label,
		Outcome:    models.LiveNone,
		TimeAvg:    avg,
		TimeStdDev: stdDev,
		Matches:    matches,
	}

	events := float64(in.Events)
	var (
		delta    int64
		hasDelta bool
	)
	if in.PreviousEvents != nil {
		hasDelta = true
		delta = in.Events - *in.PreviousEvents
		if delta < 0 {
			delta = clampCounter(in.Events)
		}
	}

	switch {
	case events > avg+stdDev:
		res.Outcome, res.Limit = models.LiveHighVsTime, avg+stdDev
	case events < avg-stdDev:
		res.Outcome, res.Limit = models.LiveLowVsTime, avg-stdDev
	case (!hasDelta && in.Events == 0) || (hasDelta && delta == 0):
		res.Outcome = models.LiveZero
	case hasDelta && float64(delta) > overall.High:
		res.Outcome, res.Limit = models.LiveHighVsOverall, overall.High
	case hasDelta && float64(delta) < overall.Low:
		res.Outcome, res.Limit = models.LiveLowVsOverall, overall.Low
	}

	res.Anomaly = res.Outcome != models.LiveNone
	return res
}
