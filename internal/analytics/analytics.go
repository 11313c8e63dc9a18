// Package analytics реализует расчет delta, базовых линий и классификацию аномалий
// Включает обработку сброса счетчиков, нормализацию по 15-минутным слотам,
// детекцию глобальных аномалий и живую проверку одного отсчета
package analytics

import "math"

// SlidingWindow реализует скользящее окно для хранения значений
type SlidingWindow struct {
	values []float64
	size   int
	index  int
	count  int
	sum    float64
	sumSq  float64
}

// NewSlidingWindow создает новое скользящее окно заданного размера
func NewSlidingWindow(size int) *SlidingWindow {
	if size < 1 {
		size = 1
	}
	return &SlidingWindow{
		values: make([]float64, size),
		size:   size,
	}
}

// Add добавляет новое значение в окно, вытесняя самое старое
func (sw *SlidingWindow) Add(value float64) {
	if sw.count >= sw.size {
		oldValue := sw.values[sw.index]
		sw.sum -= oldValue
		sw.sumSq -= oldValue * oldValue
	} else {
		sw.count++
	}

	sw.values[sw.index] = value
	sw.sum += value
	sw.sumSq += value * value

	sw.index = (sw.index + 1) % sw.size
}

// Mean возвращает среднее значение окна
func (sw *SlidingWindow) Mean() float64 {
	if sw.count == 0 {
		return 0
	}
	return sw.sum / float64(sw.count)
}

// StdDev возвращает выборочное стандартное отклонение (0 при count < 2)
func (sw *SlidingWindow) StdDev() float64 {
	if sw.count < 2 {
		return 0
	}
	n := float64(sw.count)
	variance := (sw.sumSq - (sw.sum*sw.sum)/n) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Count возвращает количество элементов в окне
func (sw *SlidingWindow) Count() int {
	return sw.count
}

// TimeProfile держит отдельное скользящее окно на каждое время суток HH:MM
type TimeProfile struct {
	size    int
	windows map[string]*SlidingWindow
}

// NewTimeProfile создает профиль; size длина окна каждого слота
func NewTimeProfile(size int) *TimeProfile {
	return &TimeProfile{
		size:    size,
		windows: make(map[string]*SlidingWindow),
	}
}

// Observe добавляет значение в окно своего времени суток
func (p *TimeProfile) Observe(label string, value float64) {
	w, ok := p.windows[label]
	if !ok {
		w = NewSlidingWindow(p.size)
		p.windows[label] = w
	}
	w.Add(value)
}

// Stats среднее, отклонение и число значений для времени суток
func (p *TimeProfile) Stats(label string) (avg, stdDev float64, count int) {
	w, ok := p.windows[label]
	if !ok {
		return 0, 0, 0
	}
	return w.Mean(), w.StdDev(), w.Count()
}
