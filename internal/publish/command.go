package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// ErrBadCommand is returned for command payloads that cannot be parsed.
var ErrBadCommand = errors.New("publish: bad command")

// Controller performs user actions on the cooker.
type Controller interface {
	StartCooking(ctx context.Context) error
	StopCooking(ctx context.Context) error
	SetTargetTemperature(ctx context.Context, celsius float64) error
	SetTimer(ctx context.Context, minutes int) error
}

// Action is a parsed command payload.
type Action func(ctx context.Context, c Controller) error

// ParseCommand parses a command payload:
//
//	start
//	stop
//	set_temp <celsius>
//	set_timer <minutes>
func ParseCommand(payload string) (Action, error) {
	fields := strings.Fields(strings.ToLower(payload))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadCommand)
	}

	switch fields[0] {
	case "start":
		return func(ctx context.Context, c Controller) error { return c.StartCooking(ctx) }, nil
	case "stop":
		return func(ctx context.Context, c Controller) error { return c.StopCooking(ctx) }, nil
	case "set_temp":
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: set_temp needs one value", ErrBadCommand)
		}
		celsius, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: set_temp %q", ErrBadCommand, fields[1])
		}
		return func(ctx context.Context, c Controller) error { return c.SetTargetTemperature(ctx, celsius) }, nil
	case "set_timer":
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: set_timer needs one value", ErrBadCommand)
		}
		minutes, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: set_timer %q", ErrBadCommand, fields[1])
		}
		return func(ctx context.Context, c Controller) error { return c.SetTimer(ctx, minutes) }, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadCommand, fields[0])
	}
}

// HandleCommands subscribes to topic and runs each parsed command against
// ctrl. Commands run one at a time off the client's callback goroutine;
// each gets timeout to complete.
func HandleCommands(ctx context.Context, client Client, topic string, ctrl Controller, timeout time.Duration) error {
	queue := make(chan Action, 8)

	err := client.Subscribe(topic, func(payload []byte) {
		action, err := ParseCommand(string(payload))
		if err != nil {
			slog.Warn("[MQTT] ignoring command", "payload", string(payload), "error", err)
			return
		}
		select {
		case queue <- action:
		default:
			slog.Warn("[MQTT] command queue full, dropping", "payload", string(payload))
		}
	})
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case action := <-queue:
				actx, cancel := context.WithTimeout(ctx, timeout)
				if err := action(actx, ctrl); err != nil {
					slog.Warn("[MQTT] command failed", "error", err)
				}
				cancel()
			}
		}
	}()
	return nil
}
