package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxread-labs/voxread-core/internal/config"
	"github.com/voxread-labs/voxread-core/internal/device"
	"github.com/voxread-labs/voxread-core/internal/progress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *progress.Store {
	t.Helper()
	cfg := config.ProgressConfig{
		Path:          filepath.Join(t.TempDir(), "progress.db"),
		RetentionMode: "persistent",
	}
	st, err := progress.Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestController(t *testing.T, dev device.Device) (*Controller, *progress.Store) {
	t.Helper()
	st := testStore(t)
	policy := device.Policy{
		IdlePollAttempts: 5,
		IdlePollInterval: time.Millisecond,
		DoubleCancel:     true,
		CorruptionWindow: time.Second,
		UtteranceTimeout: 5 * time.Second,
	}
	adapter := device.NewAdapter(dev, policy, testLogger())
	c := New(context.Background(), adapter, st, nil, Options{}, testLogger())
	t.Cleanup(c.Close)
	return c, st
}

// waitFor polls the snapshot until cond holds or the deadline passes.
func waitFor(t *testing.T, c *Controller, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s := c.Snapshot()
		if cond(s) {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last snapshot: %+v", what, c.Snapshot())
	return Snapshot{}
}

// scriptedDevice drives the adapter with a planned terminal event per
// utterance, indexed by submission order.
type scriptedDevice struct {
	plan func(call int) device.Event

	mu       sync.Mutex
	calls    int
	busy     bool
	cancelCh chan struct{}
}

func (s *scriptedDevice) Speak(ctx context.Context, u device.Utterance) (<-chan device.Event, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	cancelCh := make(chan struct{})
	s.cancelCh = cancelCh
	s.busy = true
	s.mu.Unlock()

	terminal := s.plan(call)
	ch := make(chan device.Event, 2)
	go func() {
		defer close(ch)
		defer func() {
			s.mu.Lock()
			s.busy = false
			if s.cancelCh == cancelCh {
				s.cancelCh = nil
			}
			s.mu.Unlock()
		}()
		ch <- device.Event{Kind: device.EventStarted}
		select {
		case <-time.After(time.Millisecond):
			ch <- terminal
		case <-cancelCh:
			ch <- device.Event{Kind: device.EventCanceled}
		case <-ctx.Done():
			ch <- device.Event{Kind: device.EventCanceled}
		}
	}()
	return ch, nil
}

func (s *scriptedDevice) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCh != nil {
		close(s.cancelCh)
		s.cancelCh = nil
	}
}

func (s *scriptedDevice) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *scriptedDevice) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stallingDevice reports busy until released, stranding the adapter's
// idle poll, and counts how many utterances actually reach Speak.
type stallingDevice struct {
	mu          sync.Mutex
	busy        bool
	submissions int
}

func (d *stallingDevice) Speak(ctx context.Context, u device.Utterance) (<-chan device.Event, error) {
	d.mu.Lock()
	d.submissions++
	d.mu.Unlock()
	ch := make(chan device.Event, 2)
	ch <- device.Event{Kind: device.EventStarted}
	ch <- device.Event{Kind: device.EventCompleted}
	close(ch)
	return ch, nil
}

func (d *stallingDevice) Cancel() {}

func (d *stallingDevice) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

func (d *stallingDevice) setBusy(b bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = b
}

func (d *stallingDevice) submissionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submissions
}

func tenChunkText() string {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("This is sentence number ")
		b.WriteString(string(rune('0' + i)))
		b.WriteString(". ")
	}
	return b.String()
}

func TestPlayAdvancesToCompletion(t *testing.T) {
	c, st := newTestController(t, device.NewMockDevice(time.Microsecond))

	snap, err := c.Load(context.Background(), "doc-1", "Hello. World. Done.")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", snap.TotalChunks)
	}
	if snap.Status != "idle" {
		t.Fatalf("expected idle after load, got %s", snap.Status)
	}

	if _, err := c.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	final := waitFor(t, c, "completion", func(s Snapshot) bool { return s.Status == "stopped" })
	if final.ChunkIndex != 0 {
		t.Fatalf("expected index reset on completion, got %d", final.ChunkIndex)
	}
	if final.Fault != "" {
		t.Fatalf("unexpected fault: %s", final.Fault)
	}

	// Completion discards the resume point.
	if _, ok, err := st.Load(context.Background(), "doc-1"); err != nil || ok {
		t.Fatalf("expected no resume point after completion, ok=%v err=%v", ok, err)
	}
}

func TestPlayWithoutDocument(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(time.Microsecond))
	if _, err := c.Play(); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
}

func TestPlayEmptyDocument(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(time.Microsecond))
	if _, err := c.Load(context.Background(), "", "   \n\t  "); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.Play(); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
}

func TestPauseRetainsIndexAndResumesSameChunk(t *testing.T) {
	// Long enough per chunk that we can pause mid-utterance.
	c, _ := newTestController(t, device.NewMockDevice(10*time.Millisecond))
	if _, err := c.Load(context.Background(), "doc-1", tenChunkText()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, c, "playing", func(s Snapshot) bool { return s.Status == "playing" })

	paused, err := c.Pause()
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != "paused" {
		t.Fatalf("expected paused, got %s", paused.Status)
	}
	idx := paused.ChunkIndex

	// Index must hold still while paused.
	time.Sleep(30 * time.Millisecond)
	if s := c.Snapshot(); s.ChunkIndex != idx {
		t.Fatalf("index moved while paused: %d -> %d", idx, s.ChunkIndex)
	}

	resumed, err := c.Play()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != "playing" || resumed.ChunkIndex != idx {
		t.Fatalf("expected playing at chunk %d, got %s at %d", idx, resumed.Status, resumed.ChunkIndex)
	}
}

func TestPauseWhenNotPlayingIsNoOp(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(time.Microsecond))
	if _, err := c.Load(context.Background(), "doc-1", "One. Two."); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap, err := c.Pause()
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if snap.Status != "idle" {
		t.Fatalf("expected idle unchanged, got %s", snap.Status)
	}
}

func TestSeekClampsToChunkRange(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(time.Microsecond))
	snap, err := c.Load(context.Background(), "doc-1", tenChunkText())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.TotalChunks != 10 {
		t.Fatalf("expected 10 chunks, got %d", snap.TotalChunks)
	}

	if s, _ := c.Seek(-5); s.ChunkIndex != 0 {
		t.Fatalf("seek(-5) should clamp to 0, got %d", s.ChunkIndex)
	}
	if s, _ := c.Seek(999); s.ChunkIndex != 9 {
		t.Fatalf("seek(999) should clamp to 9, got %d", s.ChunkIndex)
	}
	if s, _ := c.Seek(4); s.ChunkIndex != 4 {
		t.Fatalf("seek(4) should land on 4, got %d", s.ChunkIndex)
	}
}

func TestNextPreviousClamp(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(time.Microsecond))
	if _, err := c.Load(context.Background(), "doc-1", "One. Two. Three."); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s, _ := c.Previous(); s.ChunkIndex != 0 {
		t.Fatalf("previous at start should stay 0, got %d", s.ChunkIndex)
	}
	c.Next()
	c.Next()
	if s, _ := c.Next(); s.ChunkIndex != 2 {
		t.Fatalf("next at end should stay 2, got %d", s.ChunkIndex)
	}
	if s, _ := c.Previous(); s.ChunkIndex != 1 {
		t.Fatalf("previous should step back to 1, got %d", s.ChunkIndex)
	}
}

func TestSeekWhilePausedStaysPaused(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(10*time.Millisecond))
	if _, err := c.Load(context.Background(), "doc-1", tenChunkText()); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Play()
	waitFor(t, c, "playing", func(s Snapshot) bool { return s.Status == "playing" })
	c.Pause()

	snap, err := c.Seek(7)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if snap.Status != "paused" || snap.ChunkIndex != 7 {
		t.Fatalf("expected paused at 7, got %s at %d", snap.Status, snap.ChunkIndex)
	}
}

func TestResumeOfferAcceptedStartsAtSavedIndex(t *testing.T) {
	dev := device.NewMockDevice(time.Microsecond)
	c, st := newTestController(t, dev)

	text := tenChunkText()
	if err := st.Save(context.Background(), "doc-1", 5); err != nil {
		t.Fatalf("seed resume point: %v", err)
	}

	snap, err := c.Load(context.Background(), "doc-1", text)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.ResumeIndex == nil || *snap.ResumeIndex != 5 {
		t.Fatalf("expected resume offer at 5, got %+v", snap.ResumeIndex)
	}
	if snap.ChunkIndex != 0 {
		t.Fatalf("offer must not move the index, got %d", snap.ChunkIndex)
	}

	accepted, err := c.AcceptResume()
	if err != nil {
		t.Fatalf("accept resume: %v", err)
	}
	if accepted.ChunkIndex != 5 || accepted.ResumeIndex != nil {
		t.Fatalf("expected index 5 with offer consumed, got %+v", accepted)
	}

	c.Play()
	waitFor(t, c, "completion from chunk 5", func(s Snapshot) bool { return s.Status == "stopped" })
}

func TestResumeOfferDiscardedByPlainPlay(t *testing.T) {
	c, st := newTestController(t, device.NewMockDevice(10*time.Millisecond))
	if err := st.Save(context.Background(), "doc-1", 5); err != nil {
		t.Fatalf("seed resume point: %v", err)
	}
	if _, err := c.Load(context.Background(), "doc-1", tenChunkText()); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap, err := c.Play()
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if snap.ChunkIndex != 0 {
		t.Fatalf("plain play should start at 0, got %d", snap.ChunkIndex)
	}
	if snap.ResumeIndex != nil {
		t.Fatal("offer should be discarded once playback starts")
	}
}

func TestNoResumeOfferForStaleIndex(t *testing.T) {
	c, st := newTestController(t, device.NewMockDevice(time.Microsecond))
	// Saved index beyond the chunk count of the (changed) document.
	if err := st.Save(context.Background(), "doc-1", 50); err != nil {
		t.Fatalf("seed resume point: %v", err)
	}
	snap, err := c.Load(context.Background(), "doc-1", "One. Two. Three.")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.ResumeIndex != nil {
		t.Fatalf("out-of-range resume point must not be offered, got %d", *snap.ResumeIndex)
	}
}

func TestStopResetsAndClearsProgress(t *testing.T) {
	c, st := newTestController(t, device.NewMockDevice(10*time.Millisecond))
	if _, err := c.Load(context.Background(), "doc-1", tenChunkText()); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Seek(6)
	if _, ok, _ := st.Load(context.Background(), "doc-1"); !ok {
		t.Fatal("seek past zero should persist a resume point")
	}

	snap, err := c.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if snap.Status != "stopped" || snap.ChunkIndex != 0 {
		t.Fatalf("expected stopped at 0, got %s at %d", snap.Status, snap.ChunkIndex)
	}
	if _, ok, _ := st.Load(context.Background(), "doc-1"); ok {
		t.Fatal("stop must clear the resume point")
	}
}

func TestNearInstantDeviceErrorHaltsPlayback(t *testing.T) {
	dev := &scriptedDevice{plan: func(call int) device.Event {
		if call == 0 {
			return device.Event{Kind: device.EventErrored, Code: "synthesis-failed", Elapsed: 50 * time.Millisecond}
		}
		return device.Event{Kind: device.EventCompleted, Elapsed: 500 * time.Millisecond}
	}}
	c, _ := newTestController(t, dev)
	if _, err := c.Load(context.Background(), "doc-1", "One. Two. Three."); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Play()

	faulted := waitFor(t, c, "fault", func(s Snapshot) bool { return s.Fault != "" })
	if faulted.Status != "paused" {
		t.Fatalf("fault should park playback in paused, got %s", faulted.Status)
	}
	if faulted.ChunkIndex != 0 {
		t.Fatalf("fault must not advance, got index %d", faulted.ChunkIndex)
	}

	// Explicit Play is the retry path and clears the fault.
	retried, err := c.Play()
	if err != nil {
		t.Fatalf("retry play: %v", err)
	}
	if retried.Fault != "" {
		t.Fatal("retry should clear the fault")
	}
	waitFor(t, c, "completion after retry", func(s Snapshot) bool { return s.Status == "stopped" })
}

func TestUnrequestedCancelAdvancesSilently(t *testing.T) {
	// The device drops an utterance on its own after real speech time.
	// Playback treats it like completion and moves on without a fault.
	dev := &scriptedDevice{plan: func(call int) device.Event {
		if call == 0 {
			return device.Event{Kind: device.EventCanceled, Elapsed: 4 * time.Second}
		}
		return device.Event{Kind: device.EventCompleted, Elapsed: 500 * time.Millisecond}
	}}
	c, _ := newTestController(t, dev)
	if _, err := c.Load(context.Background(), "doc-1", "One. Two. Three."); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Play()

	final := waitFor(t, c, "completion", func(s Snapshot) bool { return s.Status == "stopped" })
	if final.Fault != "" {
		t.Fatalf("unrequested cancel must not fault, got %s", final.Fault)
	}
	if dev.callCount() != 3 {
		t.Fatalf("expected all 3 chunks submitted, got %d", dev.callCount())
	}
}

func TestDoublePlayIsNoOp(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(20*time.Millisecond))
	if _, err := c.Load(context.Background(), "doc-1", tenChunkText()); err != nil {
		t.Fatalf("load: %v", err)
	}
	first, _ := c.Play()
	second, err := c.Play()
	if err != nil {
		t.Fatalf("second play: %v", err)
	}
	if second.Status != "playing" || second.ChunkIndex != first.ChunkIndex {
		t.Fatalf("double play changed state: %+v vs %+v", first, second)
	}
}

func TestRateAndPitchClamped(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(time.Microsecond))
	if s, _ := c.SetRate(9.0); s.Rate != 2.0 {
		t.Fatalf("rate should clamp to 2.0, got %v", s.Rate)
	}
	if s, _ := c.SetRate(0.1); s.Rate != 0.5 {
		t.Fatalf("rate should clamp to 0.5, got %v", s.Rate)
	}
	if s, _ := c.SetPitch(3.0); s.Pitch != 2.0 {
		t.Fatalf("pitch should clamp to 2.0, got %v", s.Pitch)
	}
	if s, _ := c.SetPitch(0.0); s.Pitch != 1.0 {
		t.Fatalf("zero pitch should default to 1.0, got %v", s.Pitch)
	}
}

func TestLoadReplacesDocument(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(10*time.Millisecond))
	if _, err := c.Load(context.Background(), "doc-1", tenChunkText()); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Play()
	waitFor(t, c, "playing", func(s Snapshot) bool { return s.Status == "playing" })

	snap, err := c.Load(context.Background(), "doc-2", "Fresh. Start.")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if snap.Status != "idle" || snap.ChunkIndex != 0 || snap.DocumentID != "doc-2" {
		t.Fatalf("load should reset to idle at 0 on the new document, got %+v", snap)
	}
}

func TestProgressPersistedDuringAdvance(t *testing.T) {
	c, st := newTestController(t, device.NewMockDevice(5*time.Millisecond))
	if _, err := c.Load(context.Background(), "doc-1", tenChunkText()); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Play()
	waitFor(t, c, "advance past chunk 2", func(s Snapshot) bool {
		return s.Status == "playing" && s.ChunkIndex >= 3
	})
	c.Pause()

	rec, ok, err := st.Load(context.Background(), "doc-1")
	if err != nil || !ok {
		t.Fatalf("expected persisted resume point, ok=%v err=%v", ok, err)
	}
	if rec.ChunkIndex < 1 {
		t.Fatalf("resume point should track advancement, got %d", rec.ChunkIndex)
	}
}

func TestStopDuringBusyPollDropsUtterance(t *testing.T) {
	// The device queue refuses to drain while a play command is pending
	// submission. Stop must abort that submission; releasing the queue
	// afterwards may not let the stopped utterance reach the device.
	dev := &stallingDevice{}
	dev.setBusy(true)

	st := testStore(t)
	adapter := device.NewAdapter(dev, device.Policy{
		IdlePollAttempts: 1000,
		IdlePollInterval: time.Millisecond,
		DoubleCancel:     true,
		CorruptionWindow: time.Second,
		UtteranceTimeout: 5 * time.Second,
	}, testLogger())
	c := New(context.Background(), adapter, st, nil, Options{}, testLogger())
	t.Cleanup(c.Close)

	if _, err := c.Load(context.Background(), "doc-1", "One. Two. Three."); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}

	// Let the speak worker reach the busy poll.
	time.Sleep(20 * time.Millisecond)

	snap, err := c.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if snap.Status != "stopped" {
		t.Fatalf("expected stopped, got %s", snap.Status)
	}

	dev.setBusy(false)
	time.Sleep(50 * time.Millisecond)

	if n := dev.submissionCount(); n != 0 {
		t.Fatalf("device received %d submission(s) after stop", n)
	}
}

func TestSeekWhilePlayingRestartsAtTarget(t *testing.T) {
	c, _ := newTestController(t, device.NewMockDevice(10*time.Millisecond))
	if _, err := c.Load(context.Background(), "doc-1", tenChunkText()); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Play()
	waitFor(t, c, "playing", func(s Snapshot) bool { return s.Status == "playing" })

	snap, err := c.Seek(8)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if snap.Status != "playing" || snap.ChunkIndex != 8 {
		t.Fatalf("expected playing at 8 after seek, got %s at %d", snap.Status, snap.ChunkIndex)
	}
	waitFor(t, c, "completion after seek", func(s Snapshot) bool { return s.Status == "stopped" })
}
