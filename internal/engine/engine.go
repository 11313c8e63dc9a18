// Package engine организует пакетную обработку: пересчет базовых линий по хостам,
// классификацию дней, глобальный индекс сессии и живую проверку отсчетов.
//
// Хосты обрабатываются параллельно пулом воркеров; каждый воркер владеет данными
// своего хоста. Глобальный индекс строится один раз за сессию после того, как
// классифицированы все хосты.
package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"guardstat-service/internal/analytics"
	"guardstat-service/internal/models"
	"guardstat-service/internal/store"
)

// Store источник отсчетов и хранилище delta и базовых линий
type Store interface {
	Hosts(ctx context.Context) ([]string, error)
	Samples(ctx context.Context, host, from string) ([]models.RawSample, error)
	LastSampleBefore(ctx context.Context, host, date string) (models.RawSample, bool, error)
	RecentSamples(ctx context.Context, host string, limit int) ([]models.RawSample, error)

	ReplaceHostBaselines(ctx context.Context, hb store.HostBaselines) error
	ClearDerived(ctx context.Context) error
	Deltas(ctx context.Context, host, date string) ([]models.DeltaSample, error)
	LastBaselineDate(ctx context.Context, host string) (string, bool, error)
	DailyBaseline(ctx context.Context, host, date string) (models.Baseline, bool, error)
	DailyBaselines(ctx context.Context, host string) ([]models.Baseline, error)
	OverallBaseline(ctx context.Context, host string) (models.Baseline, bool, error)
}

// AnomalyLog журнал аномалий с ключом (host, epoch); первая запись не перезаписывается
type AnomalyLog interface {
	RecordBatch(ctx context.Context, recs []models.AnomalyRecord) (int, error)
	Lookup(ctx context.Context, host string, epoch int64) (string, bool, error)
	Entries(ctx context.Context) (map[string]string, error)
}

// IndexCache внешний кэш снимка глобального индекса
type IndexCache interface {
	SaveGlobalIndex(ctx context.Context, index map[int64]float64, ttl time.Duration) error
	LoadGlobalIndex(ctx context.Context) (map[int64]float64, bool, error)
	InvalidateGlobalIndex(ctx context.Context) error
}

// DaySink потребитель нормализованных классифицированных дней
type DaySink interface {
	WriteDay(ctx context.Context, day models.ClassifiedDay) error
}

// DefaultDayCacheSize сколько классифицированных дней держит кэш движка
const DefaultDayCacheSize = 1024

// Options параметры движка
type Options struct {
	Workers         int
	GlobalThreshold float64
	Location        *time.Location
	LiveWindowDays  int
	IndexTTL        time.Duration
	DayCacheSize    int
}

// Engine выполняет пересчет и анализ поверх Store
type Engine struct {
	store      Store
	log        AnomalyLog
	indexCache IndexCache
	logger     *zap.Logger

	workers    int
	threshold  float64
	indexTTL   time.Duration
	normalizer *analytics.Normalizer
	live       *analytics.LiveEvaluator

	// sessionMu: Rebuild держит запись, анализ держит чтение
	sessionMu sync.RWMutex

	// days классифицированные дни без переразметки и нормализации, ключ "host|date"
	days *lru.Cache[string, models.ClassifiedDay]

	// indexMu сериализует построение индекса и замену сессии
	indexMu sync.Mutex
	index   *analytics.GlobalIndex
}

// New создает движок; logger может быть nil
func New(st Store, opts Options, logger *zap.Logger) *Engine {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DayCacheSize < 1 {
		opts.DayCacheSize = DefaultDayCacheSize
	}
	// ошибка возможна только при неположительном размере
	days, _ := lru.New[string, models.ClassifiedDay](opts.DayCacheSize)

	n := analytics.NewNormalizer(opts.Location)
	return &Engine{
		store:      st,
		logger:     logger,
		workers:    opts.Workers,
		threshold:  opts.GlobalThreshold,
		indexTTL:   opts.IndexTTL,
		normalizer: n,
		live:       analytics.NewLiveEvaluator(n, opts.LiveWindowDays),
		days:       days,
		index:      analytics.NewGlobalIndex(opts.GlobalThreshold),
	}
}

// WithAnomalyLog подключает журнал аномалий
func (e *Engine) WithAnomalyLog(l AnomalyLog) *Engine {
	e.log = l
	return e
}

// WithIndexCache подключает кэш глобального индекса
func (e *Engine) WithIndexCache(c IndexCache) *Engine {
	e.indexCache = c
	return e
}

// ResetSession начинает новую сессию анализа: глобальный индекс снова не построен,
// кэш дней и кэшированный снимок индекса очищаются. Rebuild вызывает его сам.
func (e *Engine) ResetSession(ctx context.Context) {
	e.indexMu.Lock()
	e.index = analytics.NewGlobalIndex(e.threshold)
	e.indexMu.Unlock()

	e.days.Purge()

	if e.indexCache != nil {
		if err := e.indexCache.InvalidateGlobalIndex(ctx); err != nil {
			e.logger.Warn("failed to invalidate cached global index", zap.Error(err))
		}
	}
}

// HasHost сообщает, присылал ли хост отсчеты
func (e *Engine) HasHost(ctx context.Context, host string) (bool, error) {
	hosts, err := e.store.Hosts(ctx)
	if err != nil {
		return false, err
	}
	for _, h := range hosts {
		if h == host {
			return true, nil
		}
	}
	return false, nil
}

// HasDate сообщает, есть ли у хоста дневная базовая линия за дату
func (e *Engine) HasDate(ctx context.Context, host, date string) (bool, error) {
	_, ok, err := e.store.DailyBaseline(ctx, host, date)
	return ok, err
}

// Hosts список известных хостов
func (e *Engine) Hosts(ctx context.Context) ([]string, error) {
	return e.store.Hosts(ctx)
}

// AnomalyLabel метка из журнала аномалий для (host, epoch)
func (e *Engine) AnomalyLabel(ctx context.Context, host string, epoch int64) (string, bool, error) {
	if e.log == nil {
		return "", false, nil
	}
	return e.log.Lookup(ctx, host, epoch)
}

// Anomalies весь журнал аномалий, ключ "host|epoch"
func (e *Engine) Anomalies(ctx context.Context) (map[string]string, error) {
	if e.log == nil {
		return map[string]string{}, nil
	}
	return e.log.Entries(ctx)
}
