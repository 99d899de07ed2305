package engine

import (
	"context"
	"fmt"

	"github.com/arenex/exchange-core/internal/journal"
	"github.com/arenex/exchange-core/internal/metrics"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/protocol"
)

// seal assigns the next sequence number and the command's deterministic
// timestamp to one event, then journals it. Frame numbers advance even
// when journaling is suppressed during replay so they re-derive the
// pre-crash values.
func (e *Engine) seal(ev model.Event) error {
	e.nextSeq++
	ev.Stamp(e.nextSeq, e.clock)
	if s, ok := ev.(interface{ SetEventType(string) }); ok {
		s.SetEventType(ev.EventType())
	}
	frame := e.nextFrame
	e.nextFrame++
	metrics.EventsTotal.WithLabelValues(ev.EventType()).Inc()
	if !e.journaling {
		return nil
	}
	payload, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := e.opts.Journal.Append(frame, payload); err != nil {
		return err
	}
	metrics.JournalFramesTotal.Inc()
	return nil
}

// journalCommand records one inbound command before any mutation.
func (e *Engine) journalCommand(cmd *model.Command) error {
	frame := e.nextFrame
	e.nextFrame++
	if !e.journaling {
		return nil
	}
	payload, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := e.opts.Journal.Append(frame, payload); err != nil {
		return err
	}
	metrics.JournalFramesTotal.Inc()
	return nil
}

// Inbound couples a command with an optional reply channel. The order
// gateway sets Reply (buffered, capacity 1) to receive the command's
// events synchronously; injected commands such as disconnect sweeps
// leave it nil. The engine never blocks on a reply.
type Inbound struct {
	Cmd   *model.Command
	Reply chan []model.Event
}

// Run drains the inbound queue, processing each command to completion
// before reading the next, and pushes every event to out in sequence
// order. It returns when ctx is cancelled, when in closes, or with an
// error after a fatal engine fault (whose events, terminal engine_fault
// included, have already been forwarded).
func (e *Engine) Run(ctx context.Context, in <-chan Inbound, out chan<- model.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ib, ok := <-in:
			if !ok {
				return nil
			}
			events, err := e.Process(ib.Cmd)
			if ib.Reply != nil {
				select {
				case ib.Reply <- events:
				default:
				}
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err != nil {
				return err
			}
		}
	}
}

// Replay re-applies journaled commands to rebuild state. Event frames
// are skipped: the command stream alone re-derives them, sequence
// numbers included, because every timestamp and rate-limit refill comes
// from the command envelope. Journaling stays off throughout so frames
// are not written twice.
func (e *Engine) Replay(recs []journal.Record) error {
	e.journaling = false
	defer func() { e.journaling = true }()
	for _, rec := range recs {
		typ, err := protocol.PeekType(rec.Payload)
		if err != nil {
			return fmt.Errorf("engine: replay frame %d: %w", rec.Seq, err)
		}
		if !model.IsCommandType(typ) {
			continue
		}
		cmd, err := protocol.DecodeJournalCommand(rec.Payload)
		if err != nil {
			return fmt.Errorf("engine: replay frame %d: %w", rec.Seq, err)
		}
		if _, err := e.Process(cmd); err != nil {
			return fmt.Errorf("engine: replay frame %d: %w", rec.Seq, err)
		}
	}
	return nil
}
