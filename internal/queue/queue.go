package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/pkg/logger"
	"go.uber.org/zap"
)

// ErrClosed возвращается при постановке задачи в закрытую очередь
var ErrClosed = errors.New("очередь запросов закрыта")

// ErrOverweight возвращается для задачи, чей вес не умещается в бюджет
// окна даже в пустой очереди: такая задача не запустилась бы никогда
// и навсегда заблокировала бы голову FIFO.
var ErrOverweight = errors.New("вес задачи превышает бюджет окна")

// Result — итог выполнения задачи
type Result struct {
	Value any
	Err   error
}

// Fn — единица работы. Ошибка задачи уходит вызывающему и не
// останавливает очередь; повторов очередь не делает.
type Fn func(ctx context.Context) (any, error)

type task struct {
	ctx    context.Context
	weight int
	fn     Fn
	res    chan Result
}

type stamp struct {
	at     time.Time
	weight int
}

// Queue — очередь исходящих запросов с лимитом веса в скользящем окне
// и ограничением одновременно выполняемых задач. Задачи стартуют в
// порядке постановки (FIFO) с учетом обоих ограничений.
type Queue struct {
	window      time.Duration
	budget      int
	concurrency int

	mu       sync.Mutex
	pending  []*task
	history  []stamp
	inflight int
	closed   bool

	wake chan struct{}
	done chan struct{}
}

// New создает очередь и запускает диспетчер
func New(cfg config.QueueConfig) *Queue {
	q := &Queue{
		window:      cfg.Window(),
		budget:      cfg.Budget,
		concurrency: cfg.Concurrency,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Enqueue ставит задачу в очередь и возвращает канал с результатом.
// Вес по умолчанию 1 (weight <= 0 трактуется как 1).
func (q *Queue) Enqueue(ctx context.Context, weight int, fn Fn) <-chan Result {
	if weight <= 0 {
		weight = 1
	}
	t := &task{ctx: ctx, weight: weight, fn: fn, res: make(chan Result, 1)}

	if weight > q.budget {
		t.res <- Result{Err: ErrOverweight}
		return t.res
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.res <- Result{Err: ErrClosed}
		return t.res
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	q.notify()
	return t.res
}

// Do — блокирующая обертка над Enqueue
func (q *Queue) Do(ctx context.Context, weight int, fn Fn) (any, error) {
	select {
	case r := <-q.Enqueue(ctx, weight, fn):
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close останавливает диспетчер. Уже запущенные задачи довыполняются,
// ожидающие получают ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	waiting := q.pending
	q.pending = nil
	q.mu.Unlock()

	close(q.done)
	for _, t := range waiting {
		t.res <- Result{Err: ErrClosed}
	}
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch — единственная горутина, принимающая решения о запуске.
// Голова очереди ждет, пока освободится слот и вес уложится в бюджет окна.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		now := time.Now()
		q.prune(now)

		var next *task
		var wait time.Duration = -1

		if len(q.pending) > 0 && q.inflight < q.concurrency {
			head := q.pending[0]
			if q.spentLocked()+head.weight <= q.budget {
				next = head
				q.pending = q.pending[1:]
				q.inflight++
				q.history = append(q.history, stamp{at: now, weight: head.weight})
			} else if len(q.history) > 0 {
				// ждем выхода самой старой записи из окна
				wait = q.history[0].at.Add(q.window).Sub(now)
				if wait < 0 {
					wait = 0
				}
			}
		}
		q.mu.Unlock()

		if next != nil {
			go q.run(next)
			continue
		}

		if wait >= 0 {
			timer := time.NewTimer(wait)
			select {
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			case <-q.done:
				timer.Stop()
				return
			}
			continue
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

func (q *Queue) run(t *task) {
	defer func() {
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
		q.notify()
	}()

	// задача могла быть отменена, пока ждала в очереди
	if err := t.ctx.Err(); err != nil {
		t.res <- Result{Err: err}
		return
	}

	v, err := t.fn(t.ctx)
	if err != nil {
		logger.Debug("задача очереди завершилась ошибкой", zap.Error(err))
	}
	t.res <- Result{Value: v, Err: err}
}

// prune выкидывает записи старше окна
func (q *Queue) prune(now time.Time) {
	cut := 0
	for cut < len(q.history) && now.Sub(q.history[cut].at) >= q.window {
		cut++
	}
	if cut > 0 {
		q.history = q.history[cut:]
	}
}

func (q *Queue) spentLocked() int {
	total := 0
	for _, s := range q.history {
		total += s.weight
	}
	return total
}
