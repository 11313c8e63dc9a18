package models

import "strconv"

// Scope область действия базовой линии
type Scope string

const (
	ScopeDaily   Scope = "daily"
	ScopeOverall Scope = "overall"
)

// Baseline статистическая полоса для delta хоста за день или за всю историю.
// Для Overall поле Date пустое.
type Baseline struct {
	Host   string  `json:"host"`
	Scope  Scope   `json:"scope"`
	Date   string  `json:"date,omitempty"`
	Low    float64 `json:"low"`
	Avg    float64 `json:"avg"`
	High   float64 `json:"high"`
	StdDev float64 `json:"stddev"`
	Count  int     `json:"count"`
}

// Bands возвращает границы low/high
func (b Baseline) Bands() Bands {
	return Bands{Low: b.Low, High: b.High}
}

// Bands пара границ, по которым классифицируется delta
type Bands struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// AnomalyKey ключ "host|epoch" журнала аномалий
func AnomalyKey(host string, epoch int64) string {
	return host + "|" + strconv.FormatInt(epoch, 10)
}

// LiveOutcome результат живой проверки одного отсчета
type LiveOutcome string

const (
	LiveNone          LiveOutcome = "none"
	LiveHighVsTime    LiveOutcome = "high_vs_time"
	LiveLowVsTime     LiveOutcome = "low_vs_time"
	LiveZero          LiveOutcome = "zero_events"
	LiveHighVsOverall LiveOutcome = "high_vs_overall"
	LiveLowVsOverall  LiveOutcome = "low_vs_overall"
)

// LiveInput новый отсчет для живой проверки
type LiveInput struct {
	Host           string `json:"host"`
	Epoch          int64  `json:"epoch"`
	Events         int64  `json:"events"`
	PreviousEvents *int64 `json:"previous_events,omitempty"`
}

// LiveResult результат живой проверки
type LiveResult struct {
	Host       string      `json:"host"`
	Epoch      int64       `json:"epoch"`
	Events     int64       `json:"events"`
	Time       string      `json:"time"`
	Outcome    LiveOutcome `json:"outcome"`
	Anomaly    bool        `json:"anomaly"`
	TimeAvg    float64     `json:"time_avg"`
	TimeStdDev float64     `json:"time_stddev"`
	Matches    int         `json:"matches"`
	Limit      float64     `json:"limit,omitempty"`
}
