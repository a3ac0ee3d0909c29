package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viperbox/vipercore/internal/driver"
)

// BatchSource yields acquisition buffers; in production this is the device
// driver.
type BatchSource interface {
	ReadBatch(ctx context.Context) (driver.Batch, error)
}

// After this many consecutive failed reads the capture loop gives up and
// records a terminal error; the session reports it on stop.
const maxConsecutiveReadFailures = 3

// Forwarder drives the capture loop of one recording: it paces batch reads,
// filters and encodes them, and fans the frames out to the artifact file and
// the sink. One Forwarder serves exactly one recording, it is not restarted.
type Forwarder struct {
	source   BatchSource
	writers  []FrameWriter
	interval time.Duration
	muted    []bool
	notch    *Notch
	logger   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
	batches uint64
	dropped uint64
	gaps    uint64
	lastSeq uint32
	haveSeq bool
	failure error
}

func NewForwarder(
	source BatchSource,
	writers []FrameWriter,
	interval time.Duration,
	muted []bool,
	notch *Notch,
	logger *zap.Logger,
) *Forwarder {
	return &Forwarder{
		source:   source,
		writers:  writers,
		interval: interval,
		muted:    muted,
		notch:    notch,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start startet die Capture-Loop
func (f *Forwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return nil
	}

	f.running = true
	f.wg.Add(1)

	go f.captureLoop()

	f.logger.Info("Capture started", zap.Duration("interval", f.interval))

	return nil
}

// Stop beendet die Capture-Loop und wartet auf den letzten Batch
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	close(f.stopChan)
	f.wg.Wait()

	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.logger.Info("Capture stopped",
		zap.Uint64("batches", f.Batches()),
		zap.Uint64("dropped", f.Dropped()))
}

func (f *Forwarder) captureLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			if err := f.captureBatch(); err != nil {
				consecutive++
				f.recordDrop()
				f.logger.Warn("Batch capture failed", zap.Error(err))
				if consecutive >= maxConsecutiveReadFailures {
					f.fail(err)
					return
				}
				continue
			}
			consecutive = 0
		}
	}
}

func (f *Forwarder) captureBatch() error {
	ctx, cancel := context.WithTimeout(context.Background(), f.interval)
	defer cancel()

	batch, err := f.source.ReadBatch(ctx)
	if err != nil {
		return err
	}

	f.trackSequence(batch.Sequence)

	if f.notch != nil {
		f.notch.Apply(batch.Data, batch.Channels, batch.Samples)
	}

	frame, err := EncodeBatch(batch.Data, batch.Channels, batch.Samples, f.muted)
	if err != nil {
		return err
	}

	for _, w := range f.writers {
		if err := w.WriteFrame(frame); err != nil {
			f.logger.Warn("Frame write failed", zap.Error(err))
		}
	}

	f.mu.Lock()
	f.batches++
	f.mu.Unlock()
	return nil
}

func (f *Forwarder) trackSequence(seq uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.haveSeq && seq != f.lastSeq+1 {
		f.gaps++
		f.logger.Warn("Batch sequence gap",
			zap.Uint32("expected", f.lastSeq+1),
			zap.Uint32("got", seq))
	}
	f.lastSeq = seq
	f.haveSeq = true
}

func (f *Forwarder) recordDrop() {
	f.mu.Lock()
	f.dropped++
	f.mu.Unlock()
}

func (f *Forwarder) fail(err error) {
	f.mu.Lock()
	f.failure = err
	f.mu.Unlock()
	f.logger.Error("Capture loop gave up", zap.Error(err))
}

// IsRunning gibt an ob die Capture-Loop läuft
func (f *Forwarder) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Batches returns the number of frames fanned out so far.
func (f *Forwarder) Batches() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

// Dropped returns the number of failed batch reads.
func (f *Forwarder) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Gaps returns the number of sequence discontinuities observed.
func (f *Forwarder) Gaps() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gaps
}

// Err returns the terminal capture error, if the loop gave up.
func (f *Forwarder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure
}
