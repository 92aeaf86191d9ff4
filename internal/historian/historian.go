// Package historian drains the game action queue into Postgres and abandons
// games that stopped producing actions.
package historian

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Queue yields action records. Pop returns nil, nil when it timed out empty.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (*cache.ActionRecord, error)
}

// Sink persists records and abandons idle games.
type Sink interface {
	InsertActions(ctx context.Context, records []cache.ActionRecord) error
	AbandonGame(ctx context.Context, gameID uuid.UUID) (bool, error)
}

// Options tune batching and the inactivity sweep.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// Inactivity is how long a game may go without actions before it is abandoned.
	Inactivity    time.Duration
	SweepInterval time.Duration
	PopTimeout    time.Duration
	// Events receives GameAbandoned for every game the sweep abandons. Nil
	// disables publishing.
	Events        broadcast.Publisher
}

// maxPendingBatches bounds how many batches of failed writes are kept for retry.
const maxPendingBatches = 10

// Service batches queued actions into the sink.
type Service struct {
	queue  Queue
	sink   Sink
	opts   Options
	logger logrus.FieldLogger

	lastActivity sync.Map // uuid.UUID -> time.Time

	batchMu sync.Mutex
	batch   []cache.ActionRecord

	now func() time.Time
}

// New builds a service. Zero options fall back to the defaults of the server config.
func New(queue Queue, sink Sink, opts Options, logger logrus.FieldLogger) *Service {
	if opts.BatchSize < 1 {
		opts.BatchSize = 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.PopTimeout < time.Second {
		opts.PopTimeout = 3 * time.Second
	}
	return &Service{
		queue:  queue,
		sink:   sink,
		opts:   opts,
		logger: logger,
		batch:  make([]cache.ActionRecord, 0, opts.BatchSize),
		now:    time.Now,
	}
}

// Run consumes the queue until ctx is cancelled, then writes what is left.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.flushLoop(gctx) })
	g.Go(func() error { return s.inactivityLoop(gctx) })
	err := g.Wait()

	final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Flush(final)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) readLoop(ctx context.Context) error {
	for {
		rec, err := s.queue.Pop(ctx, s.opts.PopTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.WithError(err).Warn("failed to pop action")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if rec == nil {
			continue
		}
		s.record(ctx, *rec)
	}
}

func (s *Service) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

func (s *Service) inactivityLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// record tracks activity for the record's game and adds it to the batch,
// flushing once the batch is full.
func (s *Service) record(ctx context.Context, rec cache.ActionRecord) {
	switch rec.ActionType {
	case "game_end", "game_abandon":
		s.lastActivity.Delete(rec.GameID)
	default:
		s.lastActivity.Store(rec.GameID, s.now())
	}

	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(s.batch, rec)
	if len(s.batch) >= s.opts.BatchSize {
		s.flushLocked(ctx)
	}
}

// Flush writes the pending batch.
func (s *Service) Flush(ctx context.Context) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.flushLocked(ctx)
}

// flushLocked requires batchMu. A failed batch stays pending for the next flush.
func (s *Service) flushLocked(ctx context.Context) {
	if len(s.batch) == 0 {
		return
	}
	pending := s.batch
	if err := s.sink.InsertActions(ctx, pending); err != nil {
		if limit := maxPendingBatches * s.opts.BatchSize; len(pending) > limit {
			dropped := len(pending) - limit
			pending = pending[dropped:]
			s.logger.WithField("dropped", dropped).Error("action backlog full, dropping oldest records")
		}
		s.batch = pending
		s.logger.WithField("pending", len(pending)).WithError(err).Error("failed to flush actions")
		return
	}
	s.logger.WithField("count", len(pending)).Debug("flushed actions")
	s.batch = make([]cache.ActionRecord, 0, s.opts.BatchSize)
}

// Pending returns how many records await a flush.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

// Sweep abandons every tracked game idle for longer than the inactivity window.
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()
	s.lastActivity.Range(func(key, val any) bool {
		gameID, ok1 := key.(uuid.UUID)
		last, ok2 := val.(time.Time)
		if !ok1 || !ok2 || now.Sub(last) <= s.opts.Inactivity {
			return true
		}
		changed, err := s.sink.AbandonGame(ctx, gameID)
		if err != nil {
			s.logger.WithField("game_id", gameID).WithError(err).Warn("failed to abandon idle game")
			return true
		}
		s.lastActivity.Delete(gameID)
		if changed {
			s.logger.WithFields(logrus.Fields{
				"game_id": gameID,
				"idle":    now.Sub(last),
			}).Info("marked idle game abandoned")
			broadcast.Emit(ctx, s.opts.Events, s.logger, broadcast.GameRoom(gameID),
				broadcast.EventGameAbandoned, uuid.Nil, broadcast.GameAbandoned{GameID: gameID})
		}
		return true
	})
}
