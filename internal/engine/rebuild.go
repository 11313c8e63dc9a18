package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guardstat-service/internal/analytics"
	"guardstat-service/internal/metrics"
	"guardstat-service/internal/models"
	"guardstat-service/internal/store"
)

// Mode режим пересчета базовых линий
type Mode string

const (
	// ModeFull пересчитать всю историю всех хостов
	ModeFull Mode = "full"
	// ModeAppend пересчитать даты начиная с последней сохраненной
	ModeAppend Mode = "append"
)

// ParseMode разбирает режим пересчета; пустая строка - append
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAppend:
		return ModeAppend, nil
	case ModeFull:
		return ModeFull, nil
	}
	return "", fmt.Errorf("unknown rebuild mode %q", s)
}

// HostFailure хост, пропущенный из-за ошибки во входных данных
type HostFailure struct {
	Host  string `json:"host"`
	Error string `json:"error"`
}

// RebuildReport итог пересчета
type RebuildReport struct {
	RunID    string        `json:"run_id"`
	Mode     Mode          `json:"mode"`
	Hosts    int           `json:"hosts"`
	Rebuilt  int           `json:"rebuilt"`
	Deltas   int           `json:"deltas"`
	Resets   int           `json:"resets"`
	Failed   []HostFailure `json:"failed,omitempty"`
	Duration string        `json:"duration"`
}

type hostRebuild struct {
	deltas int
	resets int
}

// Rebuild пересчитывает delta и базовые линии всех хостов.
// Ошибки входных данных хоста попадают в отчет, остальные хосты продолжают обрабатываться;
// ошибка хранилища прерывает весь пакет. Пересчеты и анализ не идут одновременно.
func (e *Engine) Rebuild(ctx context.Context, mode Mode) (*RebuildReport, error) {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	start := time.Now()
	timer := metrics.RebuildDuration.WithLabelValues(string(mode))

	hosts, err := e.store.Hosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}

	if mode == ModeFull {
		if err := e.store.ClearDerived(ctx); err != nil {
			return nil, fmt.Errorf("clear derived data: %w", err)
		}
	}

	report := &RebuildReport{RunID: uuid.NewString(), Mode: mode, Hosts: len(hosts)}
	logger := e.logger.With(zap.String("run_id", report.RunID))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, host := range hosts {
		host := host
		g.Go(func() error {
			res, err := e.rebuildHost(gctx, host, mode)
			if err != nil {
				if !isInputError(err) {
					metrics.HostsRebuilt.WithLabelValues(string(mode), "error").Inc()
					return fmt.Errorf("host %s: %w", host, err)
				}
				logger.Warn("host skipped", zap.String("host", host), zap.Error(err))
				metrics.HostsRebuilt.WithLabelValues(string(mode), "skipped").Inc()

				mu.Lock()
				report.Failed = append(report.Failed, HostFailure{Host: host, Error: err.Error()})
				mu.Unlock()
				return nil
			}

			metrics.HostsRebuilt.WithLabelValues(string(mode), "ok").Inc()
			metrics.CounterResets.Add(float64(res.resets))
			logger.Debug("host rebuilt",
				zap.String("host", host),
				zap.Int("deltas", res.deltas),
				zap.Int("resets", res.resets))

			mu.Lock()
			report.Rebuilt++
			report.Deltas += res.deltas
			report.Resets += res.resets
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Host < report.Failed[j].Host })

	e.ResetSession(ctx)

	elapsed := time.Since(start)
	timer.Observe(elapsed.Seconds())
	report.Duration = elapsed.String()

	logger.Info("baselines rebuilt",
		zap.String("mode", string(mode)),
		zap.Int("hosts", report.Hosts),
		zap.Int("rebuilt", report.Rebuilt),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", elapsed))

	return report, nil
}

func (e *Engine) rebuildHost(ctx context.Context, host string, mode Mode) (hostRebuild, error) {
	if mode == ModeAppend {
		from, ok, err := e.store.LastBaselineDate(ctx, host)
		if err != nil {
			return hostRebuild{}, err
		}
		if ok {
			return e.appendHost(ctx, host, from)
		}
	}
	return e.fullHost(ctx, host)
}

func (e *Engine) fullHost(ctx context.Context, host string) (hostRebuild, error) {
	samples, err := e.store.Samples(ctx, host, "")
	if err != nil {
		return hostRebuild{}, err
	}

	deltas, err := analytics.ExtractDeltas(samples)
	if err != nil {
		return hostRebuild{}, err
	}

	daily, err := analytics.DailyBaselines(host, deltas)
	if err != nil {
		return hostRebuild{}, err
	}
	overall, err := analytics.OverallBaseline(host, deltas)
	if err != nil {
		return hostRebuild{}, err
	}

	err = e.store.ReplaceHostBaselines(ctx, store.HostBaselines{
		Host:    host,
		Deltas:  deltas,
		Daily:   daily,
		Overall: overall,
	})
	if err != nil {
		return hostRebuild{}, err
	}
	return hostRebuild{deltas: len(deltas), resets: countResets(deltas)}, nil
}

// appendHost пересчитывает даты начиная с from: цепочка delta продолжается от последнего
// отсчета до from, общая линия строится по сохраненным delta до from и новым
func (e *Engine) appendHost(ctx context.Context, host, from string) (hostRebuild, error) {
	samples, err := e.store.Samples(ctx, host, from)
	if err != nil {
		return hostRebuild{}, err
	}

	seed, hasSeed, err := e.store.LastSampleBefore(ctx, host, from)
	if err != nil {
		return hostRebuild{}, err
	}

	var fresh []models.DeltaSample
	if hasSeed {
		fresh, err = analytics.ExtractDeltasFrom(seed, samples)
	} else {
		fresh, err = analytics.ExtractDeltas(samples)
	}
	if err != nil {
		return hostRebuild{}, err
	}
	if len(fresh) == 0 {
		return hostRebuild{}, nil
	}

	stored, err := e.store.Deltas(ctx, host, "")
	if err != nil {
		return hostRebuild{}, err
	}
	all := make([]models.DeltaSample, 0, len(stored)+len(fresh))
	for _, d := range stored {
		if d.Date < from {
			all = append(all, d)
		}
	}
	all = append(all, fresh...)

	daily, err := analytics.DailyBaselines(host, fresh)
	if err != nil {
		return hostRebuild{}, err
	}
	overall, err := analytics.OverallBaseline(host, all)
	if err != nil {
		return hostRebuild{}, err
	}

	err = e.store.ReplaceHostBaselines(ctx, store.HostBaselines{
		Host:    host,
		From:    from,
		Deltas:  fresh,
		Daily:   daily,
		Overall: overall,
	})
	if err != nil {
		return hostRebuild{}, err
	}
	return hostRebuild{deltas: len(fresh), resets: countResets(fresh)}, nil
}

func countResets(deltas []models.DeltaSample) int {
	n := 0
	for _, d := range deltas {
		if d.IsReset {
			n++
		}
	}
	return n
}

// isInputError ошибки данных хоста: хост пропускается, пакет продолжается
func isInputError(err error) bool {
	var ooo *analytics.OutOfOrderInputError
	var empty *analytics.EmptyInputError
	return errors.As(err, &ooo) || errors.As(err, &empty)
}
