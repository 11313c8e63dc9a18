// Package models содержит структуры данных для счетчиков, базовых линий и классификации
package models

import "time"

const (
	// SlotsPerDay количество ожидаемых отчетов за сутки (каждые 15 минут)
	SlotsPerDay = 96
	// SlotDuration интервал между отчетами
	SlotDuration = 15 * time.Minute
	// BlankDelta значение delta для отсутствующего отчета
	BlankDelta int64 = -1
	// DateLayout формат календарной даты
	DateLayout = "2006-01-02"
)

// RawSample представляет накопительный счетчик, присланный хостом
type RawSample struct {
	Host   string `json:"host"`
	Events int64  `json:"events"`
	Date   string `json:"date"`
	Epoch  int64  `json:"epoch"`
}

// DeltaSample прирост счетчика между двумя соседними отчетами хоста
type DeltaSample struct {
	Host    string `json:"host"`
	Delta   int64  `json:"delta"`
	IsReset bool   `json:"is_reset"`
	Date    string `json:"date"`
	Epoch   int64  `json:"epoch"`
}

// Severity уровень аномальности интервала
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityGlobal   Severity = "global"
	SeverityBlank    Severity = "blank"
)

// IsAnomalous сообщает, нужно ли записывать интервал в журнал аномалий
func (s Severity) IsAnomalous() bool {
	return s != SeverityNormal && s != ""
}

// ClassifiedSample delta-отсчет с уровнем аномальности и локальным временем HH:MM
type ClassifiedSample struct {
	DeltaSample
	Severity Severity `json:"severity"`
	Time     string   `json:"time"`
}

// IsBlank сообщает, является ли отсчет заглушкой для пропущенного слота
func (c ClassifiedSample) IsBlank() bool {
	return c.Severity == SeverityBlank
}

// ClassifiedDay классифицированные отсчеты одного хоста за одну дату
type ClassifiedDay struct {
	Host    string             `json:"host"`
	Date    string             `json:"date"`
	Daily   Baseline           `json:"daily"`
	Overall Baseline           `json:"overall"`
	Samples []ClassifiedSample `json:"samples"`
}

// DaySummary сводка по дню хоста
type DaySummary struct {
	Host      string   `json:"host"`
	Date      string   `json:"date"`
	Avg       float64  `json:"avg"`
	Condition Severity `json:"condition"`
	Moderate  int      `json:"moderate"`
	Severe    int      `json:"severe"`
	Global    int      `json:"global"`
	Blank     int      `json:"blank"`
	Total     int      `json:"total"`
}

// AnomalyRecord запись для журнала аномалий, ключ (host, epoch)
type AnomalyRecord struct {
	Host     string   `json:"host"`
	Epoch    int64    `json:"epoch"`
	Severity Severity `json:"severity"`
	Label    string   `json:"label"`
}

// Key возвращает ключ записи в журнале аномалий
func (r AnomalyRecord) Key() string {
	return AnomalyKey(r.Host, r.Epoch)
}

// SamplesBatch пакет отсчетов для массовой загрузки
type SamplesBatch struct {
	Samples []RawSample `json:"samples"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Store     string    `json:"store"`
	Redis     string    `json:"redis"`
	Uptime    string    `json:"uptime"`
}
