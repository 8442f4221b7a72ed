package cooker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/sousvide-ble/internal/ble"
	"github.com/chaz8081/sousvide-ble/internal/ble/protocol"
)

var (
	// ErrNotMonitoring is returned for commands issued without an attached
	// characteristic, or cut short by a detach.
	ErrNotMonitoring = errors.New("cooker: not monitoring")
	// ErrWrite wraps characteristic write failures. The cooker-side effect
	// of a failed write is unknown.
	ErrWrite = errors.New("cooker: write failed")
	// ErrReplyTimeout is returned when no notification followed a command
	// within the command timeout.
	ErrReplyTimeout = errors.New("cooker: reply timeout")
)

// pollSequence is issued on every poll tick, in order.
var pollSequence = []protocol.CommandKey{
	protocol.ReadStatus,
	protocol.ReadTemperature,
	protocol.ReadTargetTemperature,
	protocol.ReadTimer,
}

// Options configures the synchronizer.
type Options struct {
	PollInterval      time.Duration
	CommandTimeout    time.Duration // clears an unanswered pending command
	AwaitReply        bool          // hold the send lock until the reply arrives
	WriteWithResponse bool
	Codec             protocol.Codec
	Observer          Observer
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval:      10 * time.Second,
		CommandTimeout:    5 * time.Second,
		AwaitReply:        true,
		WriteWithResponse: true,
		Codec:             protocol.NewCodec(protocol.EncodingRaw),
	}
}

// Synchronizer owns the CookingState record. While a characteristic is
// attached it polls the cooker and applies each notification to the field
// of the command it answers.
//
// The cooker replies on a single notification channel without echoing any
// request identifier, so correlation is positional: a reply belongs to the
// most recently written command. With AwaitReply each write waits for its
// reply (or the timeout) before the next write may start.
type Synchronizer struct {
	opts     Options
	tracker  *Tracker
	observer Observer

	sendMu sync.Mutex // serializes writes and, with AwaitReply, write→reply

	mu          sync.Mutex
	phase       Phase
	state       CookingState
	char        ble.Characteristic
	gen         uint64 // bumped on every attach
	unsubscribe func()
	stopPoll    context.CancelFunc
	pollDone    chan struct{}
	waiters     map[string]chan error

	updates chan CookingState
}

// Compile-time check that Synchronizer can be driven by the connection manager.
var _ ble.Session = (*Synchronizer)(nil)

// New creates a Synchronizer in the disconnected phase.
func New(opts Options) *Synchronizer {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Synchronizer{
		opts:     opts,
		tracker:  NewTracker(),
		observer: observer,
		waiters:  make(map[string]chan error),
		updates:  make(chan CookingState, 16),
	}
}

// Snapshot returns a copy of the current record.
func (s *Synchronizer) Snapshot() CookingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Phase returns the current phase.
func (s *Synchronizer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Updates returns a channel receiving a snapshot after every change of the
// record. A slow reader only misses intermediate snapshots, never the latest.
func (s *Synchronizer) Updates() <-chan CookingState {
	return s.updates
}

// ObserveConnection follows connection manager transitions before the
// characteristic is attached. Monitoring is entered only by Attach.
func (s *Synchronizer) ObserveConnection(state ble.State) {
	p := PhaseFor(state)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == PhaseMonitoring || s.char != nil {
		return
	}
	s.setPhase(p)
}

// Attach subscribes to ch and starts the poll loop. A previously attached
// characteristic is detached first.
func (s *Synchronizer) Attach(ch ble.Characteristic) error {
	s.mu.Lock()
	attached := s.char != nil
	s.mu.Unlock()
	if attached {
		s.Detach()
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	unsubscribe, err := ch.Subscribe(func(data []byte) {
		s.handleNotification(gen, data)
	})
	if err != nil {
		return fmt.Errorf("cooker: subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.char = ch
	s.unsubscribe = unsubscribe
	s.stopPoll = cancel
	s.pollDone = done
	s.state = CookingState{}
	s.setPhase(PhaseMonitoring)
	s.mu.Unlock()

	slog.Info("[SYNC] monitoring", "characteristic", ch.UUID(), "interval", s.opts.PollInterval)
	go s.pollLoop(ctx, done)
	return nil
}

// Detach stops the poll loop, unsubscribes and clears the record. No
// notification is applied once Detach has returned.
func (s *Synchronizer) Detach() {
	s.mu.Lock()
	if s.char == nil {
		s.setPhase(PhaseDisconnected)
		s.mu.Unlock()
		return
	}
	unsubscribe := s.unsubscribe
	stopPoll := s.stopPoll
	done := s.pollDone
	s.char = nil
	s.unsubscribe = nil
	s.stopPoll = nil
	s.pollDone = nil
	s.state = CookingState{}
	for id, w := range s.waiters {
		w <- ErrNotMonitoring
		delete(s.waiters, id)
	}
	s.tracker.Clear()
	s.setPhase(PhaseDisconnected)
	s.publish()
	s.mu.Unlock()

	stopPoll()
	if unsubscribe != nil {
		unsubscribe()
	}
	<-done
	slog.Info("[SYNC] stopped monitoring")
}

// setPhase records p and notifies the observer (caller must hold mu).
func (s *Synchronizer) setPhase(p Phase) {
	if s.phase == p {
		return
	}
	s.phase = p
	s.observer.PhaseChanged(p)
}

// publish offers the current record to Updates (caller must hold mu).
// When the buffer is full the oldest snapshot is replaced.
func (s *Synchronizer) publish() {
	st := s.state
	select {
	case s.updates <- st:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- st:
	default:
	}
}

// handleNotification decodes a notification and applies it to the field of
// the pending command, if there is one.
func (s *Synchronizer) handleNotification(gen uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.char == nil || s.gen != gen {
		s.observer.NotificationDropped(DropDetached)
		return
	}

	value, decodeErr := s.opts.Codec.Decode(data)
	pc, ok := s.tracker.TakeAndClear()

	if decodeErr != nil {
		slog.Debug("[SYNC] dropping notification", "error", decodeErr)
		s.observer.NotificationDropped(DropDecode)
		if ok {
			s.wake(pc.ID, fmt.Errorf("cooker: reply to %s: %w", pc.Key, decodeErr))
		}
		return
	}
	if !ok {
		slog.Debug("[SYNC] unsolicited notification", "value", value)
		s.observer.NotificationDropped(DropUnsolicited)
		return
	}

	if err := s.apply(pc.Key, value); err != nil {
		slog.Debug("[SYNC] dropping reply", "id", pc.ID, "command", pc.Key, "error", err)
		s.observer.NotificationDropped(DropDecode)
		s.wake(pc.ID, fmt.Errorf("cooker: reply to %s: %w", pc.Key, err))
		return
	}

	slog.Debug("[SYNC] reply", "id", pc.ID, "command", pc.Key, "value", value,
		"latency", time.Since(pc.IssuedAt).Round(time.Millisecond))
	s.observer.NotificationApplied(pc.Key, s.state)
	s.publish()
	s.wake(pc.ID, nil)
}

// apply writes value into the field of key (caller must hold mu).
func (s *Synchronizer) apply(key protocol.CommandKey, value string) error {
	switch FieldFor(key) {
	case FieldTemperature:
		s.state.Temperature = value
	case FieldTargetTemperature:
		s.state.TargetTemperature = value
	case FieldTimer:
		s.state.Timer = value
	case FieldStatus:
		st, err := ParseStatus(value)
		if err != nil {
			return err
		}
		s.state.Status = st
	}
	return nil
}

// wake delivers the outcome to a sender waiting on id (caller must hold mu).
func (s *Synchronizer) wake(id string, err error) {
	if w, ok := s.waiters[id]; ok {
		w <- err
		delete(s.waiters, id)
	}
}

func (s *Synchronizer) dropWaiter(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, id)
}

// expireLater clears pc from the tracker if it is still pending after the
// command timeout.
func (s *Synchronizer) expireLater(pc PendingCommand) {
	time.AfterFunc(s.opts.CommandTimeout, func() {
		if s.tracker.Expire(pc.ID) {
			slog.Warn("[SYNC] no reply, clearing pending command", "id", pc.ID, "command", pc.Key)
			s.observer.CommandFailed(pc.Key, ErrReplyTimeout)
		}
	})
}

// Send writes one command. With AwaitReply it returns once the reply has
// been applied, or with ErrReplyTimeout.
func (s *Synchronizer) Send(ctx context.Context, cmd protocol.Command) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.send(ctx, cmd)
}

// send does the work of Send (caller must hold sendMu).
func (s *Synchronizer) send(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	ch := s.char
	if ch == nil {
		s.mu.Unlock()
		return ErrNotMonitoring
	}
	pc := s.tracker.Record(cmd.Key)
	var reply chan error
	if s.opts.AwaitReply {
		reply = make(chan error, 1)
		s.waiters[pc.ID] = reply
	}
	s.mu.Unlock()

	wire := cmd.String()
	slog.Debug("[SYNC] send", "id", pc.ID, "command", wire)
	if err := ch.Write(s.opts.Codec.Encode(wire), s.opts.WriteWithResponse); err != nil {
		s.dropWaiter(pc.ID)
		s.expireLater(pc)
		err = fmt.Errorf("%w: %s: %w", ErrWrite, cmd.Key, err)
		slog.Warn("[SYNC] write failed", "id", pc.ID, "command", cmd.Key, "error", err)
		s.observer.CommandFailed(cmd.Key, err)
		return err
	}
	s.observer.CommandSent(cmd.Key)

	if reply == nil {
		s.expireLater(pc)
		return nil
	}

	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-timer.C:
		s.dropWaiter(pc.ID)
		if s.tracker.Expire(pc.ID) {
			slog.Warn("[SYNC] no reply, clearing pending command", "id", pc.ID, "command", cmd.Key)
		}
		err := fmt.Errorf("%w: %s", ErrReplyTimeout, cmd.Key)
		s.observer.CommandFailed(cmd.Key, err)
		return err
	case <-ctx.Done():
		s.dropWaiter(pc.ID)
		s.tracker.Expire(pc.ID)
		return ctx.Err()
	}
}

// sequence sends cmds in order without letting the poll loop interleave.
func (s *Synchronizer) sequence(ctx context.Context, cmds ...protocol.Command) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, cmd := range cmds {
		if err := s.send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// StartCooking starts the timer and the heater, then refreshes the status.
func (s *Synchronizer) StartCooking(ctx context.Context) error {
	return s.sequence(ctx,
		protocol.MustCommand(protocol.StartTimer),
		protocol.MustCommand(protocol.Start),
		protocol.MustCommand(protocol.ReadStatus),
	)
}

// StopCooking stops the timer and the heater, then refreshes the status.
func (s *Synchronizer) StopCooking(ctx context.Context) error {
	return s.sequence(ctx,
		protocol.MustCommand(protocol.StopTimer),
		protocol.MustCommand(protocol.Stop),
		protocol.MustCommand(protocol.ReadStatus),
	)
}

// SetTargetTemperature sets the target in °C, clamped to the cooker's range.
func (s *Synchronizer) SetTargetTemperature(ctx context.Context, celsius float64) error {
	return s.Send(ctx, protocol.SetTargetTemperatureCommand(celsius))
}

// SetTimer sets the cook timer in minutes, clamped to the cooker's range.
func (s *Synchronizer) SetTimer(ctx context.Context, minutes int) error {
	return s.Send(ctx, protocol.SetTimerCommand(minutes))
}

// Poll issues one round of read commands.
func (s *Synchronizer) Poll(ctx context.Context) error {
	for _, key := range pollSequence {
		err := s.Send(ctx, protocol.MustCommand(key))
		switch {
		case err == nil:
		case errors.Is(err, ErrReplyTimeout), errors.Is(err, protocol.ErrDecode):
			// Keep going; the next read may still answer.
			slog.Warn("[SYNC] poll", "command", key, "error", err)
		default:
			return err
		}
	}
	return nil
}

func (s *Synchronizer) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Poll(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrNotMonitoring) {
			slog.Warn("[SYNC] poll aborted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
