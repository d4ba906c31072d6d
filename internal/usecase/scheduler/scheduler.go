package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"deal-scanner/internal/domain"
	"deal-scanner/internal/infra/metrics"
)

// DispatchResult возвращается диспетчером после попытки обойти источник.
type DispatchResult struct {
	// RetryAfter > 0 просит перенести пару (позиция, источник) на now+RetryAfter
	// вместо обычной каденции (отказ лимитера либо отключённый источник).
	RetryAfter time.Duration
}

// Dispatcher выполняет один тик для пары (позиция вочлиста, источник).
type Dispatcher interface {
	Dispatch(ctx context.Context, item domain.WatchlistItem, source string) DispatchResult
}

// Cadences задаёт частоту проверок по приоритетам.
type Cadences struct {
	High   time.Duration
	Medium time.Duration
	// LowAt — локальное время суток (HH:MM) для ежедневного прохода.
	LowAt string
}

type entryKey struct {
	itemID int64
	source string
}

type entry struct {
	item     domain.WatchlistItem
	source   string
	nextAt   time.Time
	lastRun  time.Time
	inflight bool
	promoted bool
}

// Scheduler решает, что фетчить следующим: выбирает работу по ближайшему
// сроку, затем по приоритету, и ограничивает параллелизм глобальным
// семафором. Ежедневный проход низкоприоритетных позиций ставит cron.
type Scheduler struct {
	log        zerolog.Logger
	dispatcher Dispatcher
	cadences   Cadences
	sem        chan struct{}
	cron       *cron.Cron
	now        func() time.Time

	mu      sync.Mutex
	entries map[entryKey]*entry
	wg      sync.WaitGroup
	wake    chan struct{}
}

// NewScheduler создаёт планировщик.
func NewScheduler(logger zerolog.Logger, dispatcher Dispatcher, cadences Cadences, maxConcurrency int, loc *time.Location) (*Scheduler, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	s := &Scheduler{
		log:        logger,
		dispatcher: dispatcher,
		cadences:   cadences,
		sem:        make(chan struct{}, maxConcurrency),
		cron:       cron.New(cron.WithLocation(loc)),
		now:        time.Now,
		entries:    make(map[entryKey]*entry),
		wake:       make(chan struct{}, 1),
	}
	lowAt, err := time.Parse("15:04", cadences.LowAt)
	if err != nil {
		return nil, fmt.Errorf("разбор LOW_CADENCE_TIME: %w", err)
	}
	spec := fmt.Sprintf("%d %d * * *", lowAt.Minute(), lowAt.Hour())
	if _, err := s.cron.AddFunc(spec, s.enqueueLowTier); err != nil {
		return nil, fmt.Errorf("cron для низкого приоритета: %w", err)
	}
	return s, nil
}

// WithClock подменяет источник времени.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Reload заменяет снимок вочлиста, сохраняя сроки уже известных пар.
func (s *Scheduler) Reload(items []domain.WatchlistItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[entryKey]*entry)
	now := s.now()
	for _, item := range items {
		for _, source := range item.Retailers {
			key := entryKey{itemID: item.ID, source: source}
			if old, ok := s.entries[key]; ok {
				old.item = item
				fresh[key] = old
				continue
			}
			next := now
			if item.Priority == domain.PriorityLow {
				// Низкий приоритет ждёт ежедневного cron-прохода.
				next = now.Add(24 * time.Hour)
			}
			fresh[key] = &entry{item: item, source: source, nextAt: next}
		}
	}
	s.entries = fresh
	metrics.SchedulerQueueDepth.Set(float64(len(fresh)))
	s.kick()
}

// Run крутит цикл планирования до отмены контекста, затем дожидается
// незавершённых диспетчеризаций.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	defer s.cron.Stop()

	for {
		due, sleep := s.selectDue()
		if len(due) == 0 {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return
			case <-time.After(sleep):
				continue
			case <-s.wake:
				continue
			}
		}
		for _, e := range due {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return
			case s.sem <- struct{}{}:
			}
			s.launch(ctx, e)
		}
	}
}

// Wait блокируется до завершения всех запущенных диспетчеризаций.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) launch(ctx context.Context, e *entry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		result := s.dispatcher.Dispatch(ctx, e.item, e.source)

		s.mu.Lock()
		defer s.mu.Unlock()
		e.inflight = false
		e.lastRun = s.now()
		e.promoted = false
		if result.RetryAfter > 0 {
			e.nextAt = s.now().Add(result.RetryAfter)
		} else {
			e.nextAt = s.nextByCadence(e)
		}
		s.kick()
	}()
}

// selectDue возвращает готовую работу, упорядоченную по сроку и приоритету,
// либо паузу до ближайшего срока.
func (s *Scheduler) selectDue() ([]*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sleep := time.Minute

	var due []*entry
	for _, e := range s.entries {
		if e.inflight {
			continue
		}
		s.promoteIfStarved(e, now)
		if !e.nextAt.After(now) {
			due = append(due, e)
			continue
		}
		if wait := e.nextAt.Sub(now); wait < sleep {
			sleep = wait
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].nextAt.Equal(due[j].nextAt) {
			return due[i].nextAt.Before(due[j].nextAt)
		}
		return priorityRank(s.effectivePriority(due[i])) < priorityRank(s.effectivePriority(due[j]))
	})
	for _, e := range due {
		e.inflight = true
	}
	return due, sleep
}

// promoteIfStarved поднимает приоритет пары на один уровень на ближайший тик,
// если она не запускалась дольше двух каденций.
func (s *Scheduler) promoteIfStarved(e *entry, now time.Time) {
	if e.promoted || e.lastRun.IsZero() {
		return
	}
	cadence := s.cadenceFor(e.item.Priority)
	if now.Sub(e.lastRun) > 2*cadence {
		e.promoted = true
		metrics.SchedulerPromotions.Inc()
		s.log.Debug().Int64("item", e.item.ID).Str("source", e.source).Msg("scheduler: повышение против голодания")
	}
}

func (s *Scheduler) effectivePriority(e *entry) domain.Priority {
	if e.promoted {
		return e.item.Priority.Promote()
	}
	return e.item.Priority
}

func (s *Scheduler) cadenceFor(p domain.Priority) time.Duration {
	switch p {
	case domain.PriorityHigh:
		return s.cadences.High
	case domain.PriorityMedium:
		return s.cadences.Medium
	default:
		return 24 * time.Hour
	}
}

func (s *Scheduler) nextByCadence(e *entry) time.Time {
	return s.now().Add(s.cadenceFor(e.item.Priority))
}

// enqueueLowTier делает низкоприоритетные пары готовыми немедленно.
func (s *Scheduler) enqueueLowTier() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range s.entries {
		if e.item.Priority == domain.PriorityLow && !e.inflight {
			e.nextAt = now
		}
	}
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func priorityRank(p domain.Priority) int {
	switch p {
	case domain.PriorityHigh:
		return 0
	case domain.PriorityMedium:
		return 1
	default:
		return 2
	}
}
