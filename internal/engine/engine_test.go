package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardstat-service/internal/analytics"
	"guardstat-service/internal/models"
	"guardstat-service/internal/store"
)

const (
	day1      = "2020-03-01"
	day2      = "2020-03-02"
	day3      = "2020-03-03"
	day1Start = int64(1583020800)
	day2Start = day1Start + 86400
	day3Start = day2Start + 86400
)

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := New(st, Options{Workers: 4, Location: time.UTC}, nil)
	return e, st
}

// seed сохраняет отсчеты хоста за день с шагом 15 минут начиная с start
func seed(t *testing.T, st *store.SQLiteStore, host, date string, start int64, counters ...int64) {
	t.Helper()
	batch := make([]models.RawSample, 0, len(counters))
	for i, c := range counters {
		batch = append(batch, models.RawSample{Host: host, Events: c, Date: date, Epoch: start + int64(i)*900})
	}
	require.NoError(t, st.InsertSamples(context.Background(), batch))
}

// seedResetHost host "a": day1 deltas 10,10,10; day2 deltas 10,10,5 (reset)
func seedResetHost(t *testing.T, st *store.SQLiteStore) {
	seed(t, st, "a", day1, day1Start, 100, 110, 120, 130)
	seed(t, st, "a", day2, day2Start, 140, 150, 5)
}

// seedGlobalHosts h1..h3 stall at day1Start+2700, h4 keeps counting
func seedGlobalHosts(t *testing.T, st *store.SQLiteStore) {
	for _, h := range []string{"h1", "h2", "h3"} {
		seed(t, st, h, day1, day1Start, 0, 10, 20, 20)
	}
	seed(t, st, "h4", day1, day1Start, 0, 10, 20, 30)
}

type collectSink struct {
	mu   sync.Mutex
	days []models.ClassifiedDay
}

func (c *collectSink) WriteDay(_ context.Context, d models.ClassifiedDay) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.days = append(c.days, d)
	return nil
}

type fakeIndexCache struct {
	mu          sync.Mutex
	snapshot    map[int64]float64
	saves       int
	invalidated int
}

func (f *fakeIndexCache) SaveGlobalIndex(_ context.Context, index map[int64]float64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = index
	f.saves++
	return nil
}

func (f *fakeIndexCache) LoadGlobalIndex(_ context.Context) (map[int64]float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.snapshot != nil, nil
}

func (f *fakeIndexCache) InvalidateGlobalIndex(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = nil
	f.invalidated++
	return nil
}

// gatedStore останавливает первое чтение delta после armed, пока тест не закроет release
type gatedStore struct {
	*store.SQLiteStore
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	clears  atomic.Int32
}

func newGatedEngine(t *testing.T) (*Engine, *store.SQLiteStore, *gatedStore) {
	t.Helper()
	_, st := newTestEngine(t)
	gs := &gatedStore{SQLiteStore: st, entered: make(chan struct{}), release: make(chan struct{})}
	return New(gs, Options{Workers: 4, Location: time.UTC}, nil), st, gs
}

func (g *gatedStore) Deltas(ctx context.Context, host, date string) ([]models.DeltaSample, error) {
	if g.armed.Load() {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.SQLiteStore.Deltas(ctx, host, date)
}

func (g *gatedStore) ClearDerived(ctx context.Context) error {
	g.clears.Add(1)
	return g.SQLiteStore.ClearDerived(ctx)
}

func sampleAt(t *testing.T, day models.ClassifiedDay, epoch int64) models.ClassifiedSample {
	t.Helper()
	for _, s := range day.Samples {
		if s.Epoch == epoch && !s.IsBlank() {
			return s
		}
	}
	t.Fatalf("no sample at epoch %d for %s %s", epoch, day.Host, day.Date)
	return models.ClassifiedSample{}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAppend, m)

	m, err = ParseMode("full")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	_, err = ParseMode("partial")
	assert.Error(t, err)
}

func TestRebuild_Full(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)
	seed(t, st, "b", day1, day1Start, 42)

	report, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Hosts)
	assert.Equal(t, 1, report.Rebuilt)
	assert.Equal(t, 6, report.Deltas)
	assert.Equal(t, 1, report.Resets)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "b", report.Failed[0].Host)

	daily, err := st.DailyBaselines(ctx, "a")
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, 10.0, daily[0].Avg)
	assert.Equal(t, 0.0, daily[0].StdDev)
	assert.InDelta(t, 25.0/3.0, daily[1].Avg, 1e-9)

	overall, ok, err := st.OverallBaseline(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6, overall.Count)
	assert.InDelta(t, 55.0/6.0, overall.Avg, 1e-9)
}

func TestRebuild_AppendExtendsFromLastDate(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)

	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	// late sample for day2 and a new day3
	seed(t, st, "a", day2, day2Start+2700, 15)
	seed(t, st, "a", day3, day3Start, 25)

	report, err := e.Rebuild(ctx, ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rebuilt)
	assert.Equal(t, 5, report.Deltas, "day2 is recomputed from the day1 seed")
	assert.Equal(t, 1, report.Resets)

	deltas, err := st.Deltas(ctx, "a", "")
	require.NoError(t, err)
	assert.Len(t, deltas, 8)

	d2, ok, err := st.DailyBaseline(ctx, "a", day2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, d2.Count)
	assert.InDelta(t, 35.0/4.0, d2.Avg, 1e-9)

	d3, ok, err := st.DailyBaseline(ctx, "a", day3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, d3.Count)
	assert.Equal(t, d3.Low, d3.High)

	overall, ok, err := st.OverallBaseline(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8, overall.Count)
}

func TestRebuild_AppendMatchesFull(t *testing.T) {
	ctx := context.Background()

	inc, incStore := newTestEngine(t)
	seedResetHost(t, incStore)
	_, err := inc.Rebuild(ctx, ModeFull)
	require.NoError(t, err)
	seed(t, incStore, "a", day3, day3Start, 25, 35, 36)
	_, err = inc.Rebuild(ctx, ModeAppend)
	require.NoError(t, err)

	full, fullStore := newTestEngine(t)
	seedResetHost(t, fullStore)
	seed(t, fullStore, "a", day3, day3Start, 25, 35, 36)
	_, err = full.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	want, err := fullStore.DailyBaselines(ctx, "a")
	require.NoError(t, err)
	got, err := incStore.DailyBaselines(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wantOverall, _, err := fullStore.OverallBaseline(ctx, "a")
	require.NoError(t, err)
	gotOverall, _, err := incStore.OverallBaseline(ctx, "a")
	require.NoError(t, err)
	assert.InDelta(t, wantOverall.Avg, gotOverall.Avg, 1e-9)
	assert.InDelta(t, wantOverall.StdDev, gotOverall.StdDev, 1e-9)
	assert.Equal(t, wantOverall.Count, gotOverall.Count)
}

func TestRebuild_AppendWithoutBaselineIsFull(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)

	report, err := e.Rebuild(ctx, ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Deltas)

	ok, err := e.HasDate(ctx, "a", day2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRebuild_ResetsSession(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	cache := &fakeIndexCache{}
	e.WithIndexCache(cache)
	seedGlobalHosts(t, st)

	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)
	_, err = e.AnalyzeDay(ctx, "h1", day1, true)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.saves)
	assert.Equal(t, 1, e.days.Len())

	_, err = e.Rebuild(ctx, ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.invalidated)
	assert.False(t, e.index.Built())
	assert.Zero(t, e.days.Len())
}

func TestRebuild_ConcurrentRunsAreSerialized(t *testing.T) {
	e, st, gs := newGatedEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)

	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)
	seed(t, st, "a", day3, day3Start, 25, 35, 36)
	gs.armed.Store(true)

	appendErr := make(chan error, 1)
	go func() {
		_, err := e.Rebuild(ctx, ModeAppend)
		appendErr <- err
	}()
	<-gs.entered

	fullErr := make(chan error, 1)
	go func() {
		_, err := e.Rebuild(ctx, ModeFull)
		fullErr <- err
	}()

	// полный пересчет не должен очистить данные посреди append
	assert.Never(t, func() bool { return gs.clears.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	close(gs.release)
	require.NoError(t, <-appendErr)
	require.NoError(t, <-fullErr)
	assert.Equal(t, int32(2), gs.clears.Load())

	deltas, err := st.Deltas(ctx, "a", "")
	require.NoError(t, err)
	overall, ok, err := st.OverallBaseline(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, overall.Count)
	assert.Equal(t, len(deltas), overall.Count)
}

func TestAnalyzeDay_RebuildWaitsForAnalysis(t *testing.T) {
	e, st, gs := newGatedEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)

	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)
	gs.armed.Store(true)

	dayErr := make(chan error, 1)
	go func() {
		_, err := e.AnalyzeDay(ctx, "a", day1, false)
		dayErr <- err
	}()
	<-gs.entered

	rebuildErr := make(chan error, 1)
	go func() {
		_, err := e.Rebuild(ctx, ModeFull)
		rebuildErr <- err
	}()

	assert.Never(t, func() bool { return gs.clears.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	close(gs.release)
	require.NoError(t, <-dayErr)
	require.NoError(t, <-rebuildErr)
	assert.Zero(t, e.days.Len(), "day classified before the rebuild must not stay cached")
}

func TestAnalyzeDay_ClassifiesAndNormalizes(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	log := NewMemoryAnomalyLog()
	e.WithAnomalyLog(log)
	seedResetHost(t, st)

	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	day, err := e.AnalyzeDay(ctx, "a", day2, false)
	require.NoError(t, err)
	require.Len(t, day.Samples, models.SlotsPerDay)

	blanks := 0
	for _, s := range day.Samples {
		if s.IsBlank() {
			blanks++
			assert.Equal(t, models.BlankDelta, s.Delta)
		}
	}
	assert.Equal(t, 93, blanks)

	assert.Equal(t, models.SeverityNormal, sampleAt(t, day, day2Start).Severity)
	reset := sampleAt(t, day, day2Start+1800)
	assert.Equal(t, models.SeveritySevere, reset.Severity)
	assert.Equal(t, "00:30", reset.Time)

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 94)
	assert.Equal(t, analytics.LabelSevereLow1, entries[models.AnomalyKey("a", day2Start+1800)])
	assert.Equal(t, analytics.LabelNoResponse, entries[models.AnomalyKey("a", day2Start+3600)])
}

func TestAnalyzeDay_MissingBaseline(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)

	_, err := e.AnalyzeDay(ctx, "a", day1, false)
	var missing *analytics.MissingBaselineError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, models.ScopeOverall, missing.Scope)

	_, err = e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	_, err = e.AnalyzeDay(ctx, "a", "2020-04-01", false)
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, models.ScopeDaily, missing.Scope)
	assert.Equal(t, "2020-04-01", missing.Date)
}

func TestAnalyzeDay_GlobalRelabel(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedGlobalHosts(t, st)

	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	local, err := e.AnalyzeDay(ctx, "h1", day1, false)
	require.NoError(t, err)
	assert.Equal(t, models.SeveritySevere, sampleAt(t, local, day1Start+2700).Severity)
	assert.False(t, e.index.Built(), "index is built only on demand")

	global, err := e.AnalyzeDay(ctx, "h1", day1, true)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityGlobal, sampleAt(t, global, day1Start+2700).Severity)
	assert.Equal(t, models.SeverityNormal, sampleAt(t, global, day1Start+900).Severity)

	pct, ok, err := e.index.Percent(day1Start + 2700)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 75.0, pct)

	h4, err := e.AnalyzeDay(ctx, "h4", day1, true)
	require.NoError(t, err)
	for _, s := range h4.Samples {
		assert.NotEqual(t, models.SeverityGlobal, s.Severity)
	}
}

func TestAnalyzeDay_UsesCachedIndex(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedGlobalHosts(t, st)
	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	// the cached snapshot claims nothing at the stall epoch
	cache := &fakeIndexCache{snapshot: map[int64]float64{day1Start + 2700: 10}}
	e.WithIndexCache(cache)

	day, err := e.AnalyzeDay(ctx, "h1", day1, true)
	require.NoError(t, err)
	assert.Equal(t, models.SeveritySevere, sampleAt(t, day, day1Start+2700).Severity)
	assert.Zero(t, cache.saves)
}

func TestAnalyze_BatchWithGlobalIndex(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	log := NewMemoryAnomalyLog()
	cache := &fakeIndexCache{}
	e.WithAnomalyLog(log).WithIndexCache(cache)
	seedGlobalHosts(t, st)

	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	sink := &collectSink{}
	report, err := e.Analyze(ctx, AnalyzeRequest{Global: true}, sink)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Hosts)
	assert.Equal(t, 4, report.Days)
	assert.Equal(t, 4*models.SlotsPerDay, report.Samples)
	assert.Empty(t, report.Missing)

	require.Len(t, sink.days, 4)
	for i, host := range []string{"h1", "h2", "h3", "h4"} {
		assert.Equal(t, host, sink.days[i].Host)
	}
	for _, day := range sink.days[:3] {
		assert.Equal(t, models.SeverityGlobal, sampleAt(t, day, day1Start+2700).Severity)
	}

	assert.Equal(t, 75.0, cache.snapshot[day1Start+2700])

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	// остановившийся счетчик: delta 0 пишется как sev0 и после переразметки в Global
	assert.Equal(t, analytics.LabelSevereZero, entries[models.AnomalyKey("h2", day1Start+2700)])
	label, ok, err := e.AnomalyLabel(ctx, "h3", day1Start+2700)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, analytics.LabelSevereZero, label)
	assert.Equal(t, report.Logged, len(entries))
}

func TestAnalyze_FilteredReportsMissing(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)
	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	// samples arrive after the rebuild: no deltas yet, nothing to classify
	seed(t, st, "late", day1, day1Start, 1, 2, 3)

	sink := &collectSink{}
	report, err := e.Analyze(ctx, AnalyzeRequest{Hosts: []string{"a", "late"}, From: day2, To: day2}, sink)
	require.NoError(t, err)
	require.Len(t, sink.days, 1)
	assert.Equal(t, day2, sink.days[0].Date)
	assert.Empty(t, report.Missing)
}

func TestOverview(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)
	_, err := e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	summaries, err := e.Overview(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, day2, summaries[0].Date)
	assert.Equal(t, day1, summaries[1].Date)
	assert.Equal(t, 1, summaries[0].Severe)
	assert.Equal(t, models.SlotsPerDay, summaries[0].Total)

	one, err := e.Overview(ctx, "a", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestHasHost(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)

	ok, err := e.HasHost(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasHost(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLive(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedResetHost(t, st)

	_, err := e.Live(ctx, models.LiveInput{Host: "a", Epoch: day3Start, Events: 1})
	var missing *analytics.MissingBaselineError
	require.True(t, errors.As(err, &missing))

	_, err = e.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	prev := int64(490)
	high, err := e.Live(ctx, models.LiveInput{Host: "a", Epoch: day3Start + 900, Events: 500, PreviousEvents: &prev})
	require.NoError(t, err)
	assert.Equal(t, models.LiveHighVsTime, high.Outcome)
	assert.True(t, high.Anomaly)
	assert.Equal(t, 2, high.Matches)
	assert.InDelta(t, 130.0, high.TimeAvg, 1e-9)

	zero, err := e.Live(ctx, models.LiveInput{Host: "a", Epoch: day3Start + 20*900, Events: 0})
	require.NoError(t, err)
	assert.Equal(t, models.LiveZero, zero.Outcome)
	assert.Zero(t, zero.Matches)
}
