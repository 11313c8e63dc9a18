package analytics

import (
	"sync"

	"guardstat-service/internal/models"
)

// DefaultGlobalThreshold доля хостов (в процентах) в Severe, начиная с которой аномалия глобальная
const DefaultGlobalThreshold = 70.0

type indexState int

const (
	indexNotBuilt indexState = iota
	indexBuilt
)

// GlobalIndex для каждого epoch хранит процент отчитавшихся хостов в состоянии Severe.
// Строится один раз за сессию и дальше только читается.
type GlobalIndex struct {
	mu        sync.RWMutex
	state     indexState
	percent   map[int64]float64
	threshold float64
}

// NewGlobalIndex создает непостроенный индекс
func NewGlobalIndex(threshold float64) *GlobalIndex {
	if threshold <= 0 {
		threshold = DefaultGlobalThreshold
	}
	return &GlobalIndex{threshold: threshold}
}

// Built сообщает, построен ли индекс
func (g *GlobalIndex) Built() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state == indexBuilt
}

// Threshold порог переразметки в процентах
func (g *GlobalIndex) Threshold() float64 {
	return g.threshold
}

// Build строит индекс по классифицированным отсчетам всех хостов.
// Заглушки не считаются отчитавшимися хостами.
func (g *GlobalIndex) Build(samples []models.ClassifiedSample) error {
	type tally struct {
		reporting map[string]struct{}
		severe    map[string]struct{}
	}

	tallies := make(map[int64]*tally)
	for _, s := range samples {
		if s.IsBlank() {
			continue
		}
		t, ok := tallies[s.Epoch]
		if !ok {
			t = &tally{
				reporting: make(map[string]struct{}),
				severe:    make(map[string]struct{}),
			}
			tallies[s.Epoch] = t
		}
		t.reporting[s.Host] = struct{}{}
		if s.Severity == models.SeveritySevere || s.Severity == models.SeverityGlobal {
			t.severe[s.Host] = struct{}{}
		}
	}

	percent := make(map[int64]float64, len(tallies))
	for epoch, t := range tallies {
		percent[epoch] = 100 * float64(len(t.severe)) / float64(len(t.reporting))
	}

	return g.Load(percent)
}

// Load переводит индекс в состояние Built с готовым снимком (например, из кэша)
func (g *GlobalIndex) Load(percent map[int64]float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == indexBuilt {
		return ErrIndexAlreadyBuilt
	}

	snapshot := make(map[int64]float64, len(percent))
	for k, v := range percent {
		snapshot[k] = v
	}
	g.percent = snapshot
	g.state = indexBuilt
	return nil
}

// Percent возвращает процент Severe-хостов для epoch
func (g *GlobalIndex) Percent(epoch int64) (float64, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state != indexBuilt {
		return 0, false, ErrIndexNotBuilt
	}
	p, ok := g.percent[epoch]
	return p, ok, nil
}

// Snapshot возвращает копию индекса
func (g *GlobalIndex) Snapshot() (map[int64]float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state != indexBuilt {
		return nil, ErrIndexNotBuilt
	}
	out := make(map[int64]float64, len(g.percent))
	for k, v := range g.percent {
		out[k] = v
	}
	return out, nil
}

// Relabel возвращает копию отсчетов, где Severe с процентом >= порога стали Global.
// Остальные уровни не меняются.
func (g *GlobalIndex) Relabel(samples []models.ClassifiedSample) ([]models.ClassifiedSample, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state != indexBuilt {
		return nil, ErrIndexNotBuilt
	}

	out := make([]models.ClassifiedSample, len(samples))
	copy(out, samples)
	for i := range out {
		if out[i].Severity != models.SeveritySevere {
			continue
		}
		if g.percent[out[i].Epoch] >= g.threshold {
			out[i].Severity = models.SeverityGlobal
		}
	}
	return out, nil
}
