package analytics

import "guardstat-service/internal/models"

// ExtractDeltas превращает упорядоченные по epoch счетчики одного хоста в delta.
// Первый отсчет только задает опорное значение и delta не порождает.
func ExtractDeltas(samples []models.RawSample) ([]models.DeltaSample, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	return extract(samples[0], samples[1:], 1)
}

// ExtractDeltasFrom продолжает цепочку delta от ранее сохраненного отсчета seed.
// Используется при дозагрузке, когда seed лежит до начала пересчитываемого окна.
func ExtractDeltasFrom(seed models.RawSample, samples []models.RawSample) ([]models.DeltaSample, error) {
	return extract(seed, samples, 0)
}

func extract(seed models.RawSample, samples []models.RawSample, offset int) ([]models.DeltaSample, error) {
	deltas := make([]models.DeltaSample, 0, len(samples))
	prevEpoch := seed.Epoch
	prev := clampCounter(seed.Events)

	for i, s := range samples {
		if s.Host != seed.Host || s.Epoch <= prevEpoch {
			return nil, &OutOfOrderInputError{
				Host:     seed.Host,
				Previous: prevEpoch,
				Epoch:    s.Epoch,
				Position: i + offset,
			}
		}

		cur := clampCounter(s.Events)
		reset := cur < prev
		if reset {
			// счетчик начался заново с нуля
			prev = 0
		}

		deltas = append(deltas, models.DeltaSample{
			Host:    s.Host,
			Delta:   cur - prev,
			IsReset: reset,
			Date:    s.Date,
			Epoch:   s.Epoch,
		})

		prev = cur
		prevEpoch = s.Epoch
	}

	return deltas, nil
}

// clampCounter приводит отрицательные значения к нулю, дальше их обрабатывает правило сброса
func clampCounter(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
