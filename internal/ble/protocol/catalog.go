package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// CommandKey identifies one entry of the command catalog.
type CommandKey string

const (
	ReadStatus            CommandKey = "read_status"
	ReadTemperature       CommandKey = "read_temp"
	ReadTargetTemperature CommandKey = "read_target_temp"
	ReadTimer             CommandKey = "read_timer"
	SetTargetTemperature  CommandKey = "set_target_temp"
	SetTimer              CommandKey = "set_timer"
	Start                 CommandKey = "start"
	Stop                  CommandKey = "stop"
	StartTimer            CommandKey = "start_time"
	StopTimer             CommandKey = "stop_time"
)

// Accepted ranges for parameterized commands.
const (
	MinTemperature = 5.0
	MaxTemperature = 99.9
	MinTimer       = 0
	MaxTimer       = 6000
)

var (
	// ErrUnknownCommand is returned for keys outside the catalog.
	ErrUnknownCommand = errors.New("protocol: unknown command")
	// ErrMissingArgument is returned when a parameterized command is built
	// without its value.
	ErrMissingArgument = errors.New("protocol: command requires an argument")
)

type entry struct {
	build         func(arg string) string
	parameterized bool
}

var catalog = map[CommandKey]entry{
	ReadStatus:            {build: func(string) string { return "status" }},
	ReadTemperature:       {build: func(string) string { return "read temp" }},
	ReadTargetTemperature: {build: func(string) string { return "read set temp" }},
	ReadTimer:             {build: func(string) string { return "read timer" }},
	SetTargetTemperature:  {build: func(v string) string { return "set temp " + v + "C" }, parameterized: true},
	SetTimer:              {build: func(v string) string { return "set timer " + v }, parameterized: true},
	Start:                 {build: func(string) string { return "start" }},
	Stop:                  {build: func(string) string { return "stop" }},
	StartTimer:            {build: func(string) string { return "start time" }},
	StopTimer:             {build: func(string) string { return "stop time" }},
}

// Keys returns every catalog key in a stable order.
func Keys() []CommandKey {
	return []CommandKey{
		ReadStatus, ReadTemperature, ReadTargetTemperature, ReadTimer,
		SetTargetTemperature, SetTimer,
		Start, Stop, StartTimer, StopTimer,
	}
}

// Parameterized reports whether key takes a numeric value.
func (k CommandKey) Parameterized() bool {
	return catalog[k].parameterized
}

// Command is a catalog entry bound to its argument, ready to be encoded.
type Command struct {
	Key CommandKey
	arg string
}

// NewCommand builds a parameterless command.
func NewCommand(key CommandKey) (Command, error) {
	e, ok := catalog[key]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, key)
	}
	if e.parameterized {
		return Command{}, fmt.Errorf("%w: %q", ErrMissingArgument, key)
	}
	return Command{Key: key}, nil
}

// MustCommand is NewCommand for keys known at compile time.
func MustCommand(key CommandKey) Command {
	cmd, err := NewCommand(key)
	if err != nil {
		panic(err)
	}
	return cmd
}

// SetTargetTemperatureCommand builds "set temp {v}C" with v clamped to
// [MinTemperature, MaxTemperature] and rounded to one decimal.
func SetTargetTemperatureCommand(celsius float64) Command {
	v := ClampTemperature(celsius)
	return Command{Key: SetTargetTemperature, arg: strconv.FormatFloat(v, 'f', -1, 64)}
}

// SetTimerCommand builds "set timer {v}" with v clamped to [MinTimer, MaxTimer] minutes.
func SetTimerCommand(minutes int) Command {
	return Command{Key: SetTimer, arg: strconv.Itoa(ClampTimer(minutes))}
}

// String returns the wire string, without terminator.
func (c Command) String() string {
	e, ok := catalog[c.Key]
	if !ok {
		return ""
	}
	return e.build(c.arg)
}

// ClampTemperature limits a target temperature to what the cooker accepts.
func ClampTemperature(celsius float64) float64 {
	if math.IsNaN(celsius) || celsius < MinTemperature {
		return MinTemperature
	}
	if celsius > MaxTemperature {
		return MaxTemperature
	}
	return math.Round(celsius*10) / 10
}

// ClampTimer limits a timer value in minutes.
func ClampTimer(minutes int) int {
	if minutes < MinTimer {
		return MinTimer
	}
	if minutes > MaxTimer {
		return MaxTimer
	}
	return minutes
}
