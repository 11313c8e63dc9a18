package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guardstat-service/internal/analytics"
	"guardstat-service/internal/metrics"
	"guardstat-service/internal/models"
)

// DefaultOverviewDays сколько последних дней показывает обзор хоста
const DefaultOverviewDays = 33

// AnalyzeRequest область пакетного анализа
type AnalyzeRequest struct {
	Hosts  []string // пусто - все хосты
	From   string   // включительно, пусто - без ограничения
	To     string   // включительно, пусто - без ограничения
	Global bool
}

func (r AnalyzeRequest) wholeDataset() bool {
	return len(r.Hosts) == 0 && r.From == "" && r.To == ""
}

func (r AnalyzeRequest) covers(date string) bool {
	return (r.From == "" || date >= r.From) && (r.To == "" || date <= r.To)
}

// MissingBaseline хост и дата, отброшенные из-за отсутствия базовой линии
type MissingBaseline struct {
	Host  string       `json:"host"`
	Date  string       `json:"date"`
	Scope models.Scope `json:"scope"`
}

// AnalyzeReport итог пакетного анализа
type AnalyzeReport struct {
	Hosts     int               `json:"hosts"`
	Days      int               `json:"days"`
	Samples   int               `json:"samples"`
	Anomalies int               `json:"anomalies"`
	Logged    int               `json:"logged"`
	Missing   []MissingBaseline `json:"missing,omitempty"`
}

type hostDays struct {
	days    []models.ClassifiedDay
	missing []MissingBaseline
}

// Analyze классифицирует дни выбранных хостов и отдает их в sink в порядке хостов и дат.
// Если запрошен глобальный анализ, после классификации всех хостов строится индекс
// сессии, и только затем дни переразмечаются и нормализуются.
func (e *Engine) Analyze(ctx context.Context, req AnalyzeRequest, sink DaySink) (*AnalyzeReport, error) {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()

	hosts := req.Hosts
	if len(hosts) == 0 {
		var err error
		if hosts, err = e.store.Hosts(ctx); err != nil {
			return nil, fmt.Errorf("list hosts: %w", err)
		}
	}

	classified := make([]hostDays, len(hosts))
	if err := e.forEachHost(ctx, hosts, func(ctx context.Context, i int, host string) error {
		hd, err := e.classifyHost(ctx, host, req.covers)
		if err != nil {
			return fmt.Errorf("host %s: %w", host, err)
		}
		classified[i] = hd
		return nil
	}); err != nil {
		return nil, err
	}

	var index *analytics.GlobalIndex
	if req.Global {
		var seed []hostDays
		if req.wholeDataset() {
			seed = classified
		}
		var err error
		if index, err = e.globalIndex(ctx, seed); err != nil {
			return nil, err
		}
	}

	finished := make([][]models.ClassifiedDay, len(hosts))
	if err := e.forEachHost(ctx, hosts, func(ctx context.Context, i int, host string) error {
		days := make([]models.ClassifiedDay, 0, len(classified[i].days))
		for _, day := range classified[i].days {
			out, err := e.finishDay(day, index)
			if err != nil {
				return fmt.Errorf("host %s: %w", host, err)
			}
			days = append(days, out)
		}
		finished[i] = days
		return nil
	}); err != nil {
		return nil, err
	}

	report := &AnalyzeReport{Hosts: len(hosts)}
	for i := range hosts {
		for _, m := range classified[i].missing {
			e.logger.Warn("missing baseline",
				zap.String("host", m.Host),
				zap.String("date", m.Date),
				zap.String("scope", string(m.Scope)))
		}
		report.Missing = append(report.Missing, classified[i].missing...)

		for _, day := range finished[i] {
			logged, anomalies, err := e.recordAnomalies(ctx, day)
			if err != nil {
				return nil, err
			}
			if sink != nil {
				if err := sink.WriteDay(ctx, day); err != nil {
					return nil, fmt.Errorf("write %s %s: %w", day.Host, day.Date, err)
				}
			}
			report.Days++
			report.Samples += len(day.Samples)
			report.Anomalies += anomalies
			report.Logged += logged
		}
	}

	return report, nil
}

// AnalyzeDay классифицирует и нормализует один день хоста.
// Без базовой линии возвращает *analytics.MissingBaselineError.
func (e *Engine) AnalyzeDay(ctx context.Context, host, date string, global bool) (models.ClassifiedDay, error) {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()

	day, err := e.classifyDay(ctx, host, date)
	if err != nil {
		return models.ClassifiedDay{}, err
	}

	var index *analytics.GlobalIndex
	if global {
		if index, err = e.globalIndex(ctx, nil); err != nil {
			return models.ClassifiedDay{}, err
		}
	}

	out, err := e.finishDay(day, index)
	if err != nil {
		return models.ClassifiedDay{}, err
	}
	if _, _, err := e.recordAnomalies(ctx, out); err != nil {
		return models.ClassifiedDay{}, err
	}
	return out, nil
}

// Overview сводки по последним limit дням хоста, от новых к старым
func (e *Engine) Overview(ctx context.Context, host string, limit int) ([]models.DaySummary, error) {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()

	if limit <= 0 {
		limit = DefaultOverviewDays
	}

	dailies, err := e.store.DailyBaselines(ctx, host)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.DaySummary, 0, limit)
	for i := len(dailies) - 1; i >= 0 && len(summaries) < limit; i-- {
		day, err := e.classifyDay(ctx, host, dailies[i].Date)
		var missing *analytics.MissingBaselineError
		if errors.As(err, &missing) {
			e.logger.Warn("missing baseline", zap.String("host", host), zap.String("date", dailies[i].Date))
			continue
		}
		if err != nil {
			return nil, err
		}

		out, err := e.finishDay(day, nil)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, analytics.Summarize(out))
	}
	return summaries, nil
}

// Live проверяет новый отсчет по истории того же времени суток и общей линии хоста
func (e *Engine) Live(ctx context.Context, in models.LiveInput) (models.LiveResult, error) {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()

	overall, ok, err := e.store.OverallBaseline(ctx, in.Host)
	if err != nil {
		return models.LiveResult{}, err
	}
	if !ok {
		return models.LiveResult{}, &analytics.MissingBaselineError{Host: in.Host, Scope: models.ScopeOverall}
	}

	recent, err := e.store.RecentSamples(ctx, in.Host, e.live.HistoryLimit())
	if err != nil {
		return models.LiveResult{}, err
	}
	history := make([]models.RawSample, 0, len(recent))
	for _, s := range recent {
		if s.Epoch < in.Epoch {
			history = append(history, s)
		}
	}

	res := e.live.Evaluate(in, overall, history)
	metrics.LiveEvaluations.WithLabelValues(string(res.Outcome)).Inc()
	if res.Anomaly {
		e.logger.Info("live anomaly",
			zap.String("host", in.Host),
			zap.Int64("epoch", in.Epoch),
			zap.String("outcome", string(res.Outcome)))
	}
	return res, nil
}

// classifyHost классифицирует все дни хоста, попавшие в фильтр.
// Дни без базовой линии пропускаются и попадают в missing.
func (e *Engine) classifyHost(ctx context.Context, host string, keep func(date string) bool) (hostDays, error) {
	overall, hasOverall, err := e.store.OverallBaseline(ctx, host)
	if err != nil {
		return hostDays{}, err
	}
	dailies, err := e.store.DailyBaselines(ctx, host)
	if err != nil {
		return hostDays{}, err
	}
	byDate := make(map[string]models.Baseline, len(dailies))
	for _, b := range dailies {
		byDate[b.Date] = b
	}

	deltas, err := e.store.Deltas(ctx, host, "")
	if err != nil {
		return hostDays{}, err
	}

	var (
		out   hostDays
		dates []string
	)
	grouped := make(map[string][]models.DeltaSample)
	for _, d := range deltas {
		if !keep(d.Date) {
			continue
		}
		if _, seen := grouped[d.Date]; !seen {
			dates = append(dates, d.Date)
		}
		grouped[d.Date] = append(grouped[d.Date], d)
	}

	for _, date := range dates {
		daily, hasDaily := byDate[date]
		switch {
		case !hasOverall:
			out.missing = append(out.missing, MissingBaseline{Host: host, Date: date, Scope: models.ScopeOverall})
			continue
		case !hasDaily:
			out.missing = append(out.missing, MissingBaseline{Host: host, Date: date, Scope: models.ScopeDaily})
			continue
		}
		out.days = append(out.days, e.classifyDeltas(host, date, daily, overall, grouped[date]))
	}
	return out, nil
}

func (e *Engine) classifyDay(ctx context.Context, host, date string) (models.ClassifiedDay, error) {
	key := host + "|" + date
	if day, ok := e.days.Get(key); ok {
		return day, nil
	}

	overall, ok, err := e.store.OverallBaseline(ctx, host)
	if err != nil {
		return models.ClassifiedDay{}, err
	}
	if !ok {
		return models.ClassifiedDay{}, &analytics.MissingBaselineError{Host: host, Date: date, Scope: models.ScopeOverall}
	}
	daily, ok, err := e.store.DailyBaseline(ctx, host, date)
	if err != nil {
		return models.ClassifiedDay{}, err
	}
	if !ok {
		return models.ClassifiedDay{}, &analytics.MissingBaselineError{Host: host, Date: date, Scope: models.ScopeDaily}
	}

	deltas, err := e.store.Deltas(ctx, host, date)
	if err != nil {
		return models.ClassifiedDay{}, err
	}
	day := e.classifyDeltas(host, date, daily, overall, deltas)
	e.days.Add(key, day)
	return day, nil
}

func (e *Engine) classifyDeltas(host, date string, daily, overall models.Baseline, deltas []models.DeltaSample) models.ClassifiedDay {
	day := models.ClassifiedDay{
		Host:    host,
		Date:    date,
		Daily:   daily,
		Overall: overall,
		Samples: make([]models.ClassifiedSample, 0, len(deltas)),
	}
	for _, d := range deltas {
		day.Samples = append(day.Samples, analytics.ClassifySample(d, daily, overall, e.normalizer.DisplayTime(d.Epoch)))
	}
	return day
}

// finishDay переразмечает день по индексу (если он задан) и нормализует его
func (e *Engine) finishDay(day models.ClassifiedDay, index *analytics.GlobalIndex) (models.ClassifiedDay, error) {
	samples := day.Samples
	if index != nil {
		var err error
		if samples, err = index.Relabel(samples); err != nil {
			return models.ClassifiedDay{}, err
		}
	}

	normalized, err := e.normalizer.Normalize(day.Host, day.Date, samples)
	if err != nil {
		return models.ClassifiedDay{}, err
	}
	day.Samples = normalized

	metrics.ObserveDay(day)
	return day, nil
}

// recordAnomalies пишет аномалии дня в журнал; возвращает число новых записей и число аномалий
func (e *Engine) recordAnomalies(ctx context.Context, day models.ClassifiedDay) (int, int, error) {
	records := analytics.AnomalyRecords(day)
	if e.log == nil || len(records) == 0 {
		return 0, len(records), nil
	}

	added, err := e.log.RecordBatch(ctx, records)
	if err != nil {
		return 0, len(records), fmt.Errorf("record anomalies %s %s: %w", day.Host, day.Date, err)
	}
	metrics.AnomaliesLogged.Add(float64(added))
	return added, len(records), nil
}

// globalIndex возвращает индекс сессии, строя его при первом обращении.
// seed - уже классифицированные дни всех хостов; если nil, выполняется полный проход.
func (e *Engine) globalIndex(ctx context.Context, seed []hostDays) (*analytics.GlobalIndex, error) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	index := e.index
	if index.Built() {
		return index, nil
	}

	if e.indexCache != nil {
		cached, ok, err := e.indexCache.LoadGlobalIndex(ctx)
		switch {
		case err != nil:
			e.logger.Warn("failed to load cached global index", zap.Error(err))
		case ok:
			metrics.CacheHits.Inc()
			if err := index.Load(cached); err != nil {
				return nil, err
			}
			metrics.GlobalIndexEpochs.Set(float64(len(cached)))
			return index, nil
		default:
			metrics.CacheMisses.Inc()
		}
	}

	start := time.Now()
	if seed == nil {
		hosts, err := e.store.Hosts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list hosts: %w", err)
		}
		seed = make([]hostDays, len(hosts))
		all := func(string) bool { return true }
		if err := e.forEachHost(ctx, hosts, func(ctx context.Context, i int, host string) error {
			hd, err := e.classifyHost(ctx, host, all)
			if err != nil {
				return fmt.Errorf("host %s: %w", host, err)
			}
			seed[i] = hd
			return nil
		}); err != nil {
			return nil, err
		}
	}

	var samples []models.ClassifiedSample
	for _, hd := range seed {
		for _, day := range hd.days {
			samples = append(samples, day.Samples...)
		}
	}
	if err := index.Build(samples); err != nil {
		return nil, err
	}

	snapshot, err := index.Snapshot()
	if err != nil {
		return nil, err
	}
	metrics.GlobalIndexBuild.Observe(time.Since(start).Seconds())
	metrics.GlobalIndexEpochs.Set(float64(len(snapshot)))
	e.logger.Info("global index built", zap.Int("epochs", len(snapshot)), zap.Duration("duration", time.Since(start)))

	if e.indexCache != nil {
		if err := e.indexCache.SaveGlobalIndex(ctx, snapshot, e.indexTTL); err != nil {
			e.logger.Warn("failed to cache global index", zap.Error(err))
		}
	}
	return index, nil
}

// forEachHost запускает fn для каждого хоста пулом из e.workers воркеров.
// Воркер пишет результат только в свою ячейку i, поэтому блокировки не нужны.
func (e *Engine) forEachHost(ctx context.Context, hosts []string, fn func(ctx context.Context, i int, host string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			return fn(gctx, i, host)
		})
	}
	return g.Wait()
}
