package cooker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/sousvide-ble/internal/ble"
	"github.com/chaz8081/sousvide-ble/internal/ble/protocol"
)

// cookerReplies answers the poll sequence like an idle cooker.
func cookerReplies() map[string]string {
	return map[string]string{
		"status":        "stopped",
		"read temp":     "22.4",
		"read set temp": "56.0",
		"read timer":    "90 m",
		"start time":    "start time",
		"stop time":     "stop time",
		"start":         "start",
		"stop":          "stop",
		"set temp 60C":  "60.0",
		"set timer 45":  "45",
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	sent    []protocol.CommandKey
	failed  []error
	applied []protocol.CommandKey
	dropped []DropReason
	phases  []Phase
}

func (o *recordingObserver) CommandSent(key protocol.CommandKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, key)
}

func (o *recordingObserver) CommandFailed(_ protocol.CommandKey, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recordingObserver) NotificationApplied(key protocol.CommandKey, _ CookingState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, key)
}

func (o *recordingObserver) NotificationDropped(reason DropReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped = append(o.dropped, reason)
}

func (o *recordingObserver) PhaseChanged(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, p)
}

func (o *recordingObserver) drops() []DropReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]DropReason(nil), o.dropped...)
}

func (o *recordingObserver) phaseLog() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Phase(nil), o.phases...)
}

// attachQuiet attaches a characteristic that never replies, in
// fire-and-forget mode, and waits for the initial poll to be written. The
// tracker is empty on return.
func attachQuiet(t *testing.T, obs Observer) (*Synchronizer, *fakeChar) {
	t.Helper()
	s := New(Options{
		PollInterval:   time.Hour,
		CommandTimeout: time.Hour,
		AwaitReply:     false,
		Observer:       obs,
	})
	ch := newFakeChar(nil)
	if err := s.Attach(ch); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	t.Cleanup(s.Detach)

	if !waitFor(t, time.Second, func() bool { return len(ch.writeLog()) == len(pollSequence) }) {
		t.Fatalf("initial poll wrote %v", ch.writeLog())
	}
	s.tracker.Clear()
	return s, ch
}

// attachAwaiting attaches a replying characteristic in the default
// serialized mode and waits for the first poll to fill the record.
func attachAwaiting(t *testing.T, replies map[string]string) (*Synchronizer, *fakeChar) {
	t.Helper()
	opts := DefaultOptions()
	opts.PollInterval = time.Hour
	opts.CommandTimeout = 200 * time.Millisecond
	s := New(opts)
	ch := newFakeChar(replies)
	if err := s.Attach(ch); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	t.Cleanup(s.Detach)

	if !waitFor(t, time.Second, func() bool { return s.Snapshot().Synced() }) {
		t.Fatalf("record never synced: %+v", s.Snapshot())
	}
	return s, ch
}

func TestNotificationRouting(t *testing.T) {
	tests := []struct {
		key   protocol.CommandKey
		reply string
		want  CookingState
	}{
		{protocol.ReadTemperature, "55.3", CookingState{Temperature: "55.3"}},
		{protocol.ReadTargetTemperature, "60.0", CookingState{TargetTemperature: "60.0"}},
		{protocol.SetTargetTemperature, "61.5", CookingState{TargetTemperature: "61.5"}},
		{protocol.ReadTimer, "90 m", CookingState{Timer: "90 m"}},
		{protocol.ReadStatus, "running", CookingState{Status: StatusRunning}},
		{protocol.Start, "start", CookingState{Status: StatusStart}},
		{protocol.Stop, "stop", CookingState{Status: StatusStop}},
		{protocol.SetTimer, "45", CookingState{}},
		{protocol.StartTimer, "start time", CookingState{}},
		{protocol.StopTimer, "stop time", CookingState{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			s, ch := attachQuiet(t, nil)
			s.tracker.Record(tt.key)
			ch.SimulateNotification(tt.reply)

			if got := s.Snapshot(); got != tt.want {
				t.Errorf("Snapshot() = %+v, want %+v", got, tt.want)
			}
			if _, ok := s.tracker.Pending(); ok {
				t.Error("tracker should be empty after a reply")
			}
		})
	}
}

func TestLaterCommandOwnsReply(t *testing.T) {
	s, ch := attachQuiet(t, nil)

	s.tracker.Record(protocol.ReadTemperature)
	s.tracker.Record(protocol.ReadTimer)
	ch.SimulateNotification("42")

	got := s.Snapshot()
	if got.Timer != "42" {
		t.Errorf("Timer = %q, want %q", got.Timer, "42")
	}
	if got.Temperature != "" {
		t.Errorf("Temperature = %q, want it untouched", got.Temperature)
	}

	// The overwritten command's reply now has no pending command.
	ch.SimulateNotification("55.0")
	if got := s.Snapshot(); got.Temperature != "" {
		t.Errorf("late reply applied: %+v", got)
	}
}

func TestUnsolicitedNotificationDropped(t *testing.T) {
	obs := &recordingObserver{}
	s, ch := attachQuiet(t, obs)

	ch.SimulateNotification("running")

	if got := s.Snapshot(); got != (CookingState{}) {
		t.Errorf("Snapshot() = %+v, want empty", got)
	}
	drops := obs.drops()
	if len(drops) != 1 || drops[0] != DropUnsolicited {
		t.Errorf("drops = %v, want [unsolicited]", drops)
	}
}

func TestMalformedNotificationDropped(t *testing.T) {
	obs := &recordingObserver{}
	s, ch := attachQuiet(t, obs)

	s.tracker.Record(protocol.ReadTemperature)
	ch.mu.Lock()
	cb := ch.callback
	ch.mu.Unlock()
	cb([]byte("\r"))

	if got := s.Snapshot(); got != (CookingState{}) {
		t.Errorf("Snapshot() = %+v, want empty", got)
	}
	if _, ok := s.tracker.Pending(); ok {
		t.Error("a malformed reply should still consume the pending command")
	}
	if drops := obs.drops(); len(drops) != 1 || drops[0] != DropDecode {
		t.Errorf("drops = %v, want [decode]", drops)
	}
}

func TestUnknownStatusDropped(t *testing.T) {
	s, ch := attachQuiet(t, nil)

	s.tracker.Record(protocol.ReadStatus)
	ch.SimulateNotification("running")
	s.tracker.Record(protocol.ReadStatus)
	ch.SimulateNotification("boiling")

	if got := s.Snapshot().Status; got != StatusRunning {
		t.Errorf("Status = %q, want %q", got, StatusRunning)
	}
}

func TestInitialPollSyncsRecord(t *testing.T) {
	s, ch := attachAwaiting(t, cookerReplies())

	want := CookingState{
		Temperature:       "22.4",
		TargetTemperature: "56.0",
		Timer:             "90 m",
		Status:            StatusStopped,
	}
	if got := s.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}

	writes := ch.writeLog()
	wantWrites := []string{"status", "read temp", "read set temp", "read timer"}
	if len(writes) != len(wantWrites) {
		t.Fatalf("writes = %v, want %v", writes, wantWrites)
	}
	for i := range wantWrites {
		if writes[i] != wantWrites[i] {
			t.Errorf("write[%d] = %q, want %q", i, writes[i], wantWrites[i])
		}
	}
	if s.Phase() != PhaseMonitoring {
		t.Errorf("Phase() = %v, want monitoring", s.Phase())
	}
}

func TestSetTargetTemperature(t *testing.T) {
	s, ch := attachAwaiting(t, cookerReplies())

	if err := s.SetTargetTemperature(context.Background(), 60); err != nil {
		t.Fatalf("SetTargetTemperature() error = %v", err)
	}
	if got := s.Snapshot().TargetTemperature; got != "60.0" {
		t.Errorf("TargetTemperature = %q, want %q", got, "60.0")
	}
	writes := ch.writeLog()
	if last := writes[len(writes)-1]; last != "set temp 60C" {
		t.Errorf("last write = %q, want %q", last, "set temp 60C")
	}
}

func TestSetTimerLeavesRecord(t *testing.T) {
	s, _ := attachAwaiting(t, cookerReplies())
	before := s.Snapshot()

	if err := s.SetTimer(context.Background(), 45); err != nil {
		t.Fatalf("SetTimer() error = %v", err)
	}
	if got := s.Snapshot(); got != before {
		t.Errorf("Snapshot() = %+v, want unchanged %+v", got, before)
	}
}

func TestStartAndStopCooking(t *testing.T) {
	s, ch := attachAwaiting(t, cookerReplies())

	running := cookerReplies()
	running["status"] = "running"
	ch.setReplies(running)
	if err := s.StartCooking(context.Background()); err != nil {
		t.Fatalf("StartCooking() error = %v", err)
	}
	if got := s.Snapshot().Status; got != StatusRunning {
		t.Errorf("Status after start = %q, want running", got)
	}

	ch.setReplies(cookerReplies())
	if err := s.StopCooking(context.Background()); err != nil {
		t.Fatalf("StopCooking() error = %v", err)
	}
	if got := s.Snapshot().Status; got != StatusStopped {
		t.Errorf("Status after stop = %q, want stopped", got)
	}

	writes := ch.writeLog()[len(pollSequence):]
	want := []string{"start time", "start", "status", "stop time", "stop", "status"}
	if len(writes) != len(want) {
		t.Fatalf("writes = %v, want %v", writes, want)
	}
	for i := range want {
		if writes[i] != want[i] {
			t.Errorf("write[%d] = %q, want %q", i, writes[i], want[i])
		}
	}
}

func TestSendReplyTimeoutClearsPending(t *testing.T) {
	s, ch := attachAwaiting(t, cookerReplies())

	silent := cookerReplies()
	delete(silent, "read temp")
	ch.setReplies(silent)
	err := s.Send(context.Background(), protocol.MustCommand(protocol.ReadTemperature))
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("Send() error = %v, want ErrReplyTimeout", err)
	}
	if _, ok := s.tracker.Pending(); ok {
		t.Error("timed out command should be cleared")
	}

	// A late reply is now unsolicited and ignored.
	before := s.Snapshot()
	ch.SimulateNotification("99.9")
	if got := s.Snapshot(); got != before {
		t.Errorf("late reply applied: %+v", got)
	}
}

func TestSendWriteFailure(t *testing.T) {
	s, ch := attachAwaiting(t, cookerReplies())
	writeErr := errors.New("gatt: not permitted")
	ch.setWriteErr(writeErr)

	err := s.Send(context.Background(), protocol.MustCommand(protocol.ReadStatus))
	if !errors.Is(err, ErrWrite) || !errors.Is(err, writeErr) {
		t.Fatalf("Send() error = %v, want ErrWrite wrapping %v", err, writeErr)
	}
	if !waitFor(t, time.Second, func() bool { _, ok := s.tracker.Pending(); return !ok }) {
		t.Error("pending command should expire after a failed write")
	}
}

func TestFireAndForgetExpiresPending(t *testing.T) {
	s := New(Options{PollInterval: time.Hour, CommandTimeout: 20 * time.Millisecond})
	ch := newFakeChar(nil)
	if err := s.Attach(ch); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer s.Detach()

	if err := s.Send(context.Background(), protocol.MustCommand(protocol.ReadTimer)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, ok := s.tracker.Pending(); !ok {
		t.Fatal("command should be pending right after Send()")
	}
	if !waitFor(t, time.Second, func() bool { _, ok := s.tracker.Pending(); return !ok }) {
		t.Error("pending command should expire after the command timeout")
	}
}

func TestSendWithoutCharacteristic(t *testing.T) {
	s := New(DefaultOptions())
	err := s.Send(context.Background(), protocol.MustCommand(protocol.ReadStatus))
	if !errors.Is(err, ErrNotMonitoring) {
		t.Errorf("Send() error = %v, want ErrNotMonitoring", err)
	}
}

func TestSendCanceledContext(t *testing.T) {
	s, ch := attachAwaiting(t, cookerReplies())
	n := len(ch.writeLog())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, protocol.MustCommand(protocol.ReadStatus)); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
	if got := len(ch.writeLog()); got != n {
		t.Errorf("canceled Send() wrote %d commands", got-n)
	}
}

func TestDetachClearsRecordAndStopsPolling(t *testing.T) {
	opts := DefaultOptions()
	opts.PollInterval = 10 * time.Millisecond
	opts.CommandTimeout = 100 * time.Millisecond
	s := New(opts)
	ch := newFakeChar(cookerReplies())
	if err := s.Attach(ch); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return len(ch.writeLog()) > 2*len(pollSequence) }) {
		t.Fatalf("poll loop did not repeat, writes = %d", len(ch.writeLog()))
	}

	ch.mu.Lock()
	cb := ch.callback
	ch.mu.Unlock()

	s.Detach()

	if got := s.Snapshot(); got != (CookingState{}) {
		t.Errorf("Snapshot() after Detach = %+v, want empty", got)
	}
	if s.Phase() != PhaseDisconnected {
		t.Errorf("Phase() = %v, want disconnected", s.Phase())
	}
	if !ch.isUnsubscribed() {
		t.Error("Detach() should unsubscribe")
	}
	if _, ok := s.tracker.Pending(); ok {
		t.Error("Detach() should clear the pending command")
	}

	// A notification racing the teardown is discarded.
	s.tracker.Record(protocol.ReadStatus)
	cb(ch.codec.Encode("running"))
	if got := s.Snapshot(); got != (CookingState{}) {
		t.Errorf("notification applied after Detach: %+v", got)
	}

	n := len(ch.writeLog())
	time.Sleep(50 * time.Millisecond)
	if got := len(ch.writeLog()); got != n {
		t.Errorf("poll loop kept writing after Detach: %d new writes", got-n)
	}
}

func TestReattachResetsRecord(t *testing.T) {
	s, first := attachAwaiting(t, cookerReplies())

	second := newFakeChar(nil)
	if err := s.Attach(second); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if !first.isUnsubscribed() {
		t.Error("previous characteristic should be unsubscribed")
	}
	if got := s.Snapshot(); got != (CookingState{}) {
		t.Errorf("Snapshot() = %+v, want reset", got)
	}
	if s.Phase() != PhaseMonitoring {
		t.Errorf("Phase() = %v, want monitoring", s.Phase())
	}
}

func TestStaleGenerationDropped(t *testing.T) {
	obs := &recordingObserver{}
	s, _ := attachQuiet(t, obs)

	s.tracker.Record(protocol.ReadTemperature)
	s.handleNotification(0, []byte("55.0\r"))

	if got := s.Snapshot(); got != (CookingState{}) {
		t.Errorf("stale notification applied: %+v", got)
	}
	if drops := obs.drops(); len(drops) != 1 || drops[0] != DropDetached {
		t.Errorf("drops = %v, want [detached]", drops)
	}
}

func TestObserveConnectionPhases(t *testing.T) {
	obs := &recordingObserver{}
	s := New(Options{Observer: obs})

	s.ObserveConnection(ble.StateScanning)
	if s.Phase() != PhaseConnecting {
		t.Errorf("Phase() = %v, want connecting", s.Phase())
	}
	s.ObserveConnection(ble.StateDiscovering)
	if s.Phase() != PhaseDiscovering {
		t.Errorf("Phase() = %v, want discovering", s.Phase())
	}
	s.ObserveConnection(ble.StateReady)
	if s.Phase() != PhaseDiscovering {
		t.Errorf("Ready without Attach should not enter monitoring, got %v", s.Phase())
	}
	s.ObserveConnection(ble.StateIdle)
	if s.Phase() != PhaseDisconnected {
		t.Errorf("Phase() = %v, want disconnected", s.Phase())
	}

	want := []Phase{PhaseConnecting, PhaseDiscovering, PhaseDisconnected}
	got := obs.phaseLog()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("phase[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestUpdatesKeepsLatest(t *testing.T) {
	s, ch := attachQuiet(t, nil)

	for i := 0; i < cap(s.updates)+5; i++ {
		s.tracker.Record(protocol.ReadTemperature)
		ch.SimulateNotification("50.0")
	}
	s.tracker.Record(protocol.ReadTemperature)
	ch.SimulateNotification("51.5")

	var last CookingState
	for {
		select {
		case st := <-s.Updates():
			last = st
			continue
		default:
		}
		break
	}
	if last.Temperature != "51.5" {
		t.Errorf("latest update = %+v, want temperature 51.5", last)
	}
}
