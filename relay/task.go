package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Task is a submitted relay task.
type Task struct {
	ID     string
	client *Client
}

// Event is one update delivered by Watch. Err is set when the watch itself failed.
type Event struct {
	Status TaskStatus
	Err    error
}

// Watch streams status updates until the task reaches a terminal state, the
// transport fails, or ctx is done. The channel is closed afterwards.
// Updates come from the websocket subscription when one is configured and can
// be opened; otherwise the status endpoint is polled.
func (t *Task) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 1)
	go func() {
		defer close(events)
		if t.client.wsURL != "" {
			conn, _, err := t.client.dialer.DialContext(ctx, strings.TrimRight(t.client.wsURL, "/")+TaskWSPath, nil)
			if err == nil {
				if done := t.watchWS(ctx, conn, events); done {
					return
				}
			}
		}
		t.poll(ctx, events)
	}()
	return events
}

// watchWS reports true when it delivered a terminal outcome (or ctx ended), false
// when the caller should fall back to polling.
func (t *Task) watchWS(ctx context.Context, conn *websocket.Conn, events chan<- Event) bool {
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(&WSRequest{Action: WSActionSubscribe, TaskID: t.ID}); err != nil {
		return ctx.Err() != nil
	}
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				send(ctx, events, Event{Err: ctx.Err()})
				return true
			}
			return false
		}
		if msg.Payload.TaskID != "" && msg.Payload.TaskID != t.ID {
			continue
		}
		switch msg.Event {
		case WSEventError:
			send(ctx, events, Event{Status: msg.Payload, Err: fmt.Errorf("%w: %s", ErrTaskFailed, msg.Payload.LastCheckMessage)})
			return true
		case WSEventUpdate:
			if !send(ctx, events, Event{Status: msg.Payload}) {
				return true
			}
			if msg.Payload.TaskState.Terminal() {
				return true
			}
		}
	}
}

func (t *Task) poll(ctx context.Context, events chan<- Event) {
	var last TaskState
	for {
		status, err := t.client.Status(ctx, t.ID)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			send(ctx, events, Event{Err: err})
			return
		}
		if status.TaskState != last {
			last = status.TaskState
			if !send(ctx, events, Event{Status: *status}) {
				return
			}
		}
		if status.TaskState.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			send(ctx, events, Event{Err: ctx.Err()})
			return
		case <-time.After(t.client.pollInterval):
		}
	}
}

func send(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		// a buffered slot may still be free for the final error
		select {
		case events <- e:
		default:
		}
		return false
	}
}

// Wait blocks until the task succeeds (nil error) or fails. Reverted and
// cancelled tasks return ErrTaskFailed together with the final status.
func (t *Task) Wait(ctx context.Context) (*TaskStatus, error) {
	var last *TaskStatus
	for e := range t.Watch(ctx) {
		if e.Err != nil {
			if e.Status.TaskID != "" {
				s := e.Status
				return &s, e.Err
			}
			return last, e.Err
		}
		s := e.Status
		last = &s
		switch s.TaskState {
		case ExecSuccess:
			return last, nil
		case ExecReverted, Cancelled:
			return last, fmt.Errorf("%w: task %s %s %s", ErrTaskFailed, t.ID, s.TaskState, s.LastCheckMessage)
		}
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, fmt.Errorf("%w: task %s watch ended without a final state", ErrTaskFailed, t.ID)
}
