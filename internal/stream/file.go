package stream

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// FileWriter appends wire frames to the recording artifact, so the file
// holds the identical stream the sink receives.
type FileWriter struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *bufio.Writer
	closed bool
}

var _ FrameWriter = (*FileWriter)(nil)

func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}
	return &FileWriter{
		path: path,
		f:    f,
		w:    bufio.NewWriterSize(f, 1<<16),
	}, nil
}

func (fw *FileWriter) Path() string {
	return fw.path
}

func (fw *FileWriter) WriteFrame(frame []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.closed {
		return fmt.Errorf("recording file already closed")
	}
	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("writing to recording file: %w", err)
	}
	return nil
}

// Close flushes and closes the artifact. Safe to call twice.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.closed {
		return nil
	}
	fw.closed = true

	flushErr := fw.w.Flush()
	closeErr := fw.f.Close()
	if flushErr != nil {
		return fmt.Errorf("flushing recording file: %w", flushErr)
	}
	return closeErr
}
