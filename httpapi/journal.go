package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/korylprince/agentstream/invocation"
	"github.com/korylprince/agentstream/journal"
	"github.com/korylprince/agentstream/session"
)

const journalQueueSize = 1024

type journalJob func(ctx context.Context) error

//journalWriter applies journal writes in order on one goroutine so that slow or failing
//storage never stalls a session's read loop
type journalWriter struct {
	store   journal.Store
	log     zerolog.Logger
	timeout time.Duration

	//ids is only touched by jobs
	ids map[*session.Session]int64

	mu     sync.Mutex
	closed bool
	jobs   chan journalJob
	done   chan struct{}
}

func newJournalWriter(store journal.Store, timeout time.Duration, logger zerolog.Logger) *journalWriter {
	w := &journalWriter{
		store:   store,
		log:     logger,
		timeout: timeout,
		ids:     make(map[*session.Session]int64),
		jobs:    make(chan journalJob, journalQueueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *journalWriter) run() {
	defer close(w.done)
	for job := range w.jobs {
		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if w.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, w.timeout)
		}
		if err := job(ctx); err != nil {
			w.log.Error().Err(err).Msg("could not write journal")
		}
		cancel()
	}
}

func (w *journalWriter) enqueue(job journalJob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.log.Warn().Msg("journal queue full, dropping write")
	}
}

//Close stops accepting writes and waits for queued writes to finish
func (w *journalWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *journalWriter) sessionOpened(s *session.Session) {
	info := s.Info()
	rec := &journal.SessionRecord{
		ClientID:    info.ClientID,
		Name:        info.Name,
		RemoteAddr:  info.RemoteAddr,
		ConnectedAt: info.ConnectedAt,
	}
	w.enqueue(func(ctx context.Context) error {
		id, err := w.store.OpenSession(ctx, rec)
		if err != nil {
			return err
		}
		w.ids[s] = id
		return nil
	})
}

func (w *journalWriter) invocation(s *session.Session, inv invocation.Invocation) {
	w.enqueue(func(ctx context.Context) error {
		id, ok := w.ids[s]
		if !ok {
			return nil
		}
		return w.store.RecordInvocation(ctx, id, inv)
	})
}

func (w *journalWriter) sessionClosed(s *session.Session, reason session.CloseReason, at time.Time) {
	w.enqueue(func(ctx context.Context) error {
		id, ok := w.ids[s]
		if !ok {
			return nil
		}
		delete(w.ids, s)
		return w.store.CloseSession(ctx, id, at, string(reason))
	})
}
