package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxread-labs/voxread-core/internal/device"
	"github.com/voxread-labs/voxread-core/internal/document"
	"github.com/voxread-labs/voxread-core/internal/progress"
	"github.com/voxread-labs/voxread-core/internal/protocol"
	"github.com/voxread-labs/voxread-core/internal/segment"
	"github.com/voxread-labs/voxread-core/internal/voices"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNoDocument: a playback command arrived before any Load.
	ErrNoDocument = errors.New("no document loaded")

	// ErrEmptyDocument: the loaded document segmented to zero chunks,
	// so there is nothing to speak.
	ErrEmptyDocument = errors.New("document has no speakable text")
)

// Options seed a controller's initial playback parameters.
type Options struct {
	Segmenter segment.Options
	Rate      float64
	Pitch     float64
	Voice     voices.Descriptor
}

// Controller owns the playback state machine for one session: the
// current chunk index, status transitions, and the orchestration of
// segmenter, device adapter, and progress store.
//
// Every transition runs to completion under the mutex before the next
// command or device callback is honored. Each utterance carries a
// generation number; callbacks for stale generations are discarded, so
// no late completion can advance state after a pause, seek, or stop.
type Controller struct {
	adapter *device.Adapter
	store   *progress.Store
	pub     Publisher
	log     *slog.Logger
	clock   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	sessionID   string
	doc         document.Document
	hasDoc      bool
	status      Status
	index       int
	rate        float64
	pitch       float64
	voice       voices.Descriptor
	resumeOffer *int
	fault       error
	gen         uint64
	speakCancel context.CancelFunc

	segOpts segment.Options

	chunksSpoken metric.Int64Counter
	commands     metric.Int64Counter
}

func New(parent context.Context, adapter *device.Adapter, store *progress.Store, pub Publisher, opts Options, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	if pub == nil {
		pub = NopPublisher()
	}
	c := &Controller{
		adapter:   adapter,
		store:     store,
		pub:       pub,
		log:       log.With(slog.String("component", "playback")),
		clock:     time.Now,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: uuid.NewString(),
		status:    StatusIdle,
		rate:      clampParam(opts.Rate),
		pitch:     clampParam(opts.Pitch),
		voice:     opts.Voice,
		segOpts:   opts.Segmenter,
	}
	meter := otel.Meter("github.com/voxread-labs/voxread-core/playback")
	var err error
	if c.chunksSpoken, err = meter.Int64Counter("voxread.playback.chunks_spoken"); err != nil {
		c.log.Warn("failed to create chunk counter", slogError(err))
	}
	if c.commands, err = meter.Int64Counter("voxread.playback.commands"); err != nil {
		c.log.Warn("failed to create command counter", slogError(err))
	}
	return c
}

// SessionID identifies this playback session in the event timeline.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Close tears the session down: cancels in-flight speech and waits for
// the speak worker to drain.
func (c *Controller) Close() {
	c.mu.Lock()
	c.supersedeLocked()
	c.status = StatusStopped
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// Load replaces the current document. Playback resets to Idle at chunk
// zero; any persisted resume point for the document is offered in the
// snapshot (ResumeIndex) but never applied until AcceptResume.
func (c *Controller) Load(ctx context.Context, id, text string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("load")

	c.supersedeLocked()

	doc := document.New(id, text, c.segOpts)
	c.doc = doc
	c.hasDoc = true
	c.status = StatusIdle
	c.index = 0
	c.fault = nil
	c.resumeOffer = nil

	if rec, ok, err := c.store.Load(ctx, doc.ID); err != nil {
		c.log.Warn("failed to read resume point", slogError(err))
	} else if ok && rec.ChunkIndex > 0 && rec.ChunkIndex < len(doc.Chunks) {
		offer := rec.ChunkIndex
		c.resumeOffer = &offer
	}

	if err := c.store.AppendSession(ctx, c.sessionID, doc.ID); err != nil {
		c.log.Warn("failed to record session", slogError(err))
	}
	c.appendTimelineLocked("document.loaded")
	c.publishStateLocked()
	return c.snapshotLocked(), nil
}

// AcceptResume applies the resume point offered by Load. A no-op when
// no offer is outstanding.
func (c *Controller) AcceptResume() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("accept_resume")
	if c.resumeOffer != nil {
		c.index = *c.resumeOffer
		c.resumeOffer = nil
		c.publishStateLocked()
	}
	return c.snapshotLocked(), nil
}

// Play starts or resumes playback at the current chunk index. From
// Paused it re-submits the current chunk (resume is by re-submission;
// mid-utterance resume is not supported by the device). Playing is a
// no-op. Calling Play after a fault is the explicit retry that clears
// it.
func (c *Controller) Play() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("play")

	if !c.hasDoc {
		return c.snapshotLocked(), ErrNoDocument
	}
	if c.doc.Empty() {
		return c.snapshotLocked(), ErrEmptyDocument
	}
	if c.status == StatusPlaying {
		return c.snapshotLocked(), nil
	}

	c.fault = nil
	c.resumeOffer = nil
	c.status = StatusPlaying
	c.appendTimelineLocked("playback.started")
	c.startSpeakLocked()
	c.publishStateLocked()
	return c.snapshotLocked(), nil
}

// Pause cancels the in-flight utterance and retains the current chunk
// index. Only meaningful from Playing; otherwise a no-op.
func (c *Controller) Pause() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("pause")

	if c.status != StatusPlaying {
		return c.snapshotLocked(), nil
	}
	c.supersedeLocked()
	c.status = StatusPaused
	c.appendTimelineLocked("playback.paused")
	c.publishStateLocked()
	return c.snapshotLocked(), nil
}

// Stop cancels playback, resets to chunk zero, and discards the
// persisted resume point. Valid from any state.
func (c *Controller) Stop() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("stop")

	c.supersedeLocked()
	c.index = 0
	c.status = StatusStopped
	c.resumeOffer = nil
	c.fault = nil
	if c.hasDoc {
		if err := c.store.Clear(c.ctx, c.doc.ID); err != nil {
			c.log.Warn("failed to clear resume point", slogError(err))
		}
	}
	c.appendTimelineLocked("playback.stopped")
	c.publishStateLocked()
	return c.snapshotLocked(), nil
}

// Seek moves to targetIndex, clamped to the document's chunk range. If
// playing, playback restarts at the new index; if paused, the index
// moves but playback stays paused.
func (c *Controller) Seek(targetIndex int) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("seek")
	return c.seekLocked(targetIndex)
}

// Next advances one chunk, clamped at the end.
func (c *Controller) Next() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("next")
	return c.seekLocked(c.index + 1)
}

// Previous steps back one chunk, clamped at the start.
func (c *Controller) Previous() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("previous")
	return c.seekLocked(c.index - 1)
}

func (c *Controller) seekLocked(targetIndex int) (Snapshot, error) {
	if !c.hasDoc {
		return c.snapshotLocked(), ErrNoDocument
	}
	if c.doc.Empty() {
		return c.snapshotLocked(), ErrEmptyDocument
	}

	if targetIndex < 0 {
		targetIndex = 0
	}
	if max := len(c.doc.Chunks) - 1; targetIndex > max {
		targetIndex = max
	}

	wasPlaying := c.status == StatusPlaying
	if c.status == StatusPlaying || c.status == StatusPaused {
		c.supersedeLocked()
	}
	c.index = targetIndex
	c.persistLocked()
	if wasPlaying {
		c.status = StatusPlaying
		c.startSpeakLocked()
	}
	c.publishStateLocked()
	return c.snapshotLocked(), nil
}

// SetRate updates the speech rate, clamped to [0.5, 2.0]. Takes effect
// from the next utterance.
func (c *Controller) SetRate(rate float64) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("set_rate")
	c.rate = clampParam(rate)
	return c.snapshotLocked(), nil
}

// SetPitch updates the speech pitch, clamped to [0.5, 2.0].
func (c *Controller) SetPitch(pitch float64) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("set_pitch")
	c.pitch = clampParam(pitch)
	return c.snapshotLocked(), nil
}

// SetVoice resolves criteria against the voice catalog and applies the
// best match from the next utterance on.
func (c *Controller) SetVoice(criteria voices.Criteria) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCommand("set_voice")
	v, ok := voices.Find(criteria)
	if !ok {
		return c.snapshotLocked(), fmt.Errorf("no voice matches %+v", criteria)
	}
	c.voice = v
	return c.snapshotLocked(), nil
}

// Snapshot returns a consistent copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// supersedeLocked invalidates any in-flight utterance: its completion
// callback will carry a stale generation and be dropped, its context is
// canceled so a pending submission (idle poll included) aborts instead
// of reaching the device late, and the adapter cancel stops anything
// already speaking.
func (c *Controller) supersedeLocked() {
	c.gen++
	if c.speakCancel != nil {
		c.speakCancel()
		c.speakCancel = nil
	}
	c.adapter.CancelAll()
}

// startSpeakLocked submits the current chunk under a fresh generation.
// Each utterance gets its own context so supersede can abort it before
// the adapter hands it to the device.
func (c *Controller) startSpeakLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.speakCancel = cancel
	u := device.Utterance{
		Text:  c.doc.ChunkText(c.index),
		Rate:  c.rate,
		Pitch: c.pitch,
		Voice: c.voice.Identifier,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.speak(ctx, gen, u)
	}()
}

// speak runs one utterance to its terminal outcome off the lock. A
// superseded utterance may briefly overlap with its replacement at the
// adapter; the in-flight guard rejects the newcomer until the cancelled
// one drains, so we retry while our generation is still current.
func (c *Controller) speak(ctx context.Context, gen uint64, u device.Utterance) {
	var outcome device.Outcome
	var err error
	for {
		outcome, err = c.adapter.Speak(ctx, u)
		if errors.Is(err, device.ErrInFlight) {
			if c.staleGen(gen) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		break
	}
	c.onSpeakDone(gen, outcome, err)
}

func (c *Controller) staleGen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen
}

// onSpeakDone is the single entry point for device callbacks. Stale
// generations and non-Playing states are ignored so a late completion
// can never advance state after pause/seek/stop.
func (c *Controller) onSpeakDone(gen uint64, outcome device.Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.status != StatusPlaying {
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Busy and corruption both halt automatic progression; the
		// caller decides whether to retry (Play) or reload (Stop+Load).
		c.fault = err
		c.status = StatusPaused
		c.log.Warn("utterance failed", slogError(err), slog.Int("chunk", c.index))
		c.appendTimelineLocked("playback.fault")
		c.pub.Fault(protocol.FaultEvent{
			SessionID:  c.sessionID,
			DocumentID: c.doc.ID,
			Kind:       faultKind(err),
			Detail:     err.Error(),
			Timestamp:  c.clock().UTC(),
		})
		c.publishStateLocked()
		return
	}

	if outcome == device.OutcomeCanceled {
		// Our own cancel; the superseding transition already ran.
		return
	}

	// Completed, or an interruption the adapter masked: advance.
	if c.chunksSpoken != nil {
		c.chunksSpoken.Add(c.ctx, 1)
	}
	c.index++
	if c.index >= len(c.doc.Chunks) {
		// Document fully read.
		c.index = 0
		c.status = StatusStopped
		if err := c.store.Clear(c.ctx, c.doc.ID); err != nil {
			c.log.Warn("failed to clear resume point", slogError(err))
		}
		c.appendTimelineLocked("playback.completed")
		c.publishStateLocked()
		return
	}

	c.persistLocked()
	c.pub.Progress(protocol.ProgressEvent{
		SessionID:   c.sessionID,
		DocumentID:  c.doc.ID,
		ChunkIndex:  c.index,
		TotalChunks: len(c.doc.Chunks),
		Percent:     percent(c.index, len(c.doc.Chunks)),
		Timestamp:   c.clock().UTC(),
	})
	c.startSpeakLocked()
}

// persistLocked saves the resume point best-effort. Persistence never
// blocks or fails the playback path.
func (c *Controller) persistLocked() {
	if c.index <= 0 {
		return
	}
	if err := c.store.Save(c.ctx, c.doc.ID, c.index); err != nil {
		c.log.Warn("failed to save resume point", slogError(err))
	}
}

func (c *Controller) appendTimelineLocked(eventType string) {
	payload, _ := json.Marshal(map[string]any{
		"chunk_index":  c.index,
		"total_chunks": len(c.doc.Chunks),
		"status":       c.status.String(),
	})
	evt := progress.SessionEvent{
		SessionID: c.sessionID,
		Type:      eventType,
		Payload:   payload,
	}
	if err := c.store.AppendEvent(c.ctx, evt); err != nil {
		c.log.Warn("failed to append timeline event", slogError(err))
	}
}

func (c *Controller) publishStateLocked() {
	c.pub.State(protocol.StateEvent{
		SessionID:   c.sessionID,
		DocumentID:  c.doc.ID,
		Status:      c.status.String(),
		ChunkIndex:  c.index,
		TotalChunks: len(c.doc.Chunks),
		Timestamp:   c.clock().UTC(),
	})
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:   c.sessionID,
		Status:      c.status.String(),
		ChunkIndex:  c.index,
		Rate:        c.rate,
		Pitch:       c.pitch,
		Voice:       voices.DisplayName(c.voice),
		ResumeIndex: c.resumeOffer,
	}
	if c.hasDoc {
		snap.DocumentID = c.doc.ID
		snap.TotalChunks = len(c.doc.Chunks)
		snap.Percent = percent(c.index, len(c.doc.Chunks))
		snap.ChunkText = c.doc.ChunkText(c.index)
	}
	if c.fault != nil {
		snap.Fault = c.fault.Error()
	}
	return snap
}

func (c *Controller) countCommand(name string) {
	if c.commands != nil {
		c.commands.Add(c.ctx, 1, metric.WithAttributes(attribute.String("command", name)))
	}
}

func faultKind(err error) string {
	switch {
	case errors.Is(err, device.ErrCorrupted):
		return "device_corrupted"
	case errors.Is(err, device.ErrBusy):
		return "device_busy"
	default:
		return "device_error"
	}
}

func percent(index, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(index) / float64(total) * 100
}

func clampParam(v float64) float64 {
	if v == 0 {
		return 1.0
	}
	if v < 0.5 {
		return 0.5
	}
	if v > 2.0 {
		return 2.0
	}
	return v
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
