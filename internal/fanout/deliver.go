package fanout

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/presence"
)

type target struct {
	user domain.UserID
	conn presence.Conn
}

type failure struct {
	conn presence.Conn
	err  *domain.DeliveryError
}

// deliver pushes payload as event to every live connection of users and
// returns how many pushes succeeded. Each push runs in its own goroutine
// bounded by the push timeout. Connections that fail for any reason other
// than being already closed are dropped from the directory and closed.
func (e *Engine) deliver(ctx context.Context, event domain.EventName, payload any, users []domain.UserID) int {
	frame, err := domain.Encode(event, payload)
	if err != nil {
		e.log.Error("Encode event", zap.String("event", string(event)), zap.Error(err))
		return 0
	}

	var targets []target
	for _, u := range users {
		for _, c := range e.directory.Lookup(u) {
			targets = append(targets, target{user: u, conn: c})
		}
	}
	if len(targets) == 0 {
		e.log.Debug("No live recipients", zap.String("event", string(event)), zap.Int("users", len(users)))
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		failed    []failure
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			pushCtx, cancel := context.WithTimeout(ctx, e.pushTimeout)
			defer cancel()

			err := t.conn.Send(pushCtx, frame)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				delivered++
				return
			}
			failed = append(failed, failure{
				conn: t.conn,
				err:  &domain.DeliveryError{ConnID: t.conn.ID(), UserID: t.user, Event: event, Err: err},
			})
		}(t)
	}
	wg.Wait()

	for _, f := range failed {
		e.dropFailed(f)
	}
	for i := 0; i < delivered; i++ {
		e.metrics.Delivery(string(event), metrics.ResultDelivered)
	}
	e.log.Debug("Event delivered",
		zap.String("event", string(event)), zap.Int("targets", len(targets)), zap.Int("delivered", delivered))
	return delivered
}

func (e *Engine) dropFailed(f failure) {
	if errors.Is(f.err, domain.ErrConnClosed) {
		e.metrics.Delivery(string(f.err.Event), metrics.ResultClosed)
		e.log.Debug("Skipped closed connection", zap.Error(f.err))
		return
	}
	e.metrics.Delivery(string(f.err.Event), metrics.ResultDropped)
	e.log.Warn("Dropping unresponsive connection", zap.Error(f.err))
	e.directory.UnregisterHandle(f.conn)
	f.conn.Close()
}
