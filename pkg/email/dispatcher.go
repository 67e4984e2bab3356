package email

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome is the delivery result for one message.
type Outcome struct {
	To  string
	Err error
}

// Dispatcher fans messages out to a Sender with bounded concurrency.
// Every message is attempted; one failure never cancels the others.
type Dispatcher struct {
	sender Sender
	limit  int
	logger *zap.SugaredLogger
	wg     sync.WaitGroup
}

func NewDispatcher(sender Sender, limit int, logger *zap.SugaredLogger) *Dispatcher {
	if limit <= 0 {
		limit = 1
	}
	return &Dispatcher{sender: sender, limit: limit, logger: logger}
}

// Dispatch sends all messages and waits for every attempt to settle.
// Outcomes are returned in input order.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []Message) []Outcome {
	out := make([]Outcome, len(msgs))
	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, m := range msgs {
		i, m := i, m
		g.Go(func() error {
			err := d.sender.Send(ctx, m)
			out[i] = Outcome{To: m.To, Err: err}
			if err != nil {
				d.logger.Warnw("email delivery failed", "to", m.To, "subject", m.Subject, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Go dispatches in the background, detached from ctx cancellation so a
// finished request does not abort delivery. Wait blocks until all
// background batches are done.
func (d *Dispatcher) Go(ctx context.Context, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		outcomes := d.Dispatch(ctx, msgs)
		failed := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
			}
		}
		d.logger.Infow("email batch settled", "total", len(outcomes), "failed", failed)
	}()
}

func (d *Dispatcher) Wait() { d.wg.Wait() }
