package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ReaderDevice adapts a raw PCM16 little-endian byte stream to the
// [InputDevice] contract. It is the capture source for headless deployments
// where audio arrives over a pipe instead of a platform microphone API.
//
// Streams are sequential: a second OpenStream while one is active fails with
// [ErrConfigurationFailed]. Use [NewFileDevice] for sources that should be
// reopened from the start for every stream.
type ReaderDevice struct {
	mu     sync.Mutex
	open   func() (io.ReadCloser, error)
	active *readerStream
}

// NewReaderDevice wraps an arbitrary PCM16 byte stream, typically os.Stdin.
// The reader's lifecycle stays with the caller: closing a stream stops
// decoding but leaves the reader open, so a later stream resumes where the
// previous one stopped.
func NewReaderDevice(r io.Reader) *ReaderDevice {
	rc := io.NopCloser(r)
	return &ReaderDevice{
		open: func() (io.ReadCloser, error) { return rc, nil },
	}
}

// NewStdinDevice reads PCM16 from standard input.
func NewStdinDevice() *ReaderDevice {
	return NewReaderDevice(os.Stdin)
}

// NewFileDevice reads PCM16 from the file at path, reopening it from the
// start for every stream.
func NewFileDevice(path string) *ReaderDevice {
	return &ReaderDevice{
		open: func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
			}
			return f, nil
		},
	}
}

// OpenStream starts decoding frames from the byte stream.
func (d *ReaderDevice) OpenStream(ctx context.Context, cfg StreamConfig) (InputStream, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("%w: sample_rate=%d frame_size=%d", ErrConfigurationFailed, cfg.SampleRate, cfg.FrameSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil && !d.active.finished() {
		return nil, fmt.Errorf("%w: stream already open", ErrConfigurationFailed)
	}

	rc, err := d.open()
	if err != nil {
		if errors.Is(err, ErrNoInputDevice) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}

	s := &readerStream{
		rc:     rc,
		blocks: make(chan []float32, 4),
		done:   make(chan struct{}),
	}
	go s.run(ctx, cfg.FrameSize)
	d.active = s
	return s, nil
}

type readerStream struct {
	rc     io.ReadCloser
	blocks chan []float32
	done   chan struct{}

	closeOnce sync.Once
}

func (s *readerStream) Blocks() <-chan []float32 { return s.blocks }

// Close stops decoding and releases the underlying reader.
func (s *readerStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.rc.Close()
	})
	return nil
}

func (s *readerStream) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// run decodes fixed-size PCM16 blocks until EOF, cancellation, or Close.
// A trailing partial block is discarded.
func (s *readerStream) run(ctx context.Context, frameSize int) {
	defer close(s.blocks)

	buf := make([]byte, frameSize*2)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if _, err := io.ReadFull(s.rc, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !s.finished() {
				slog.Warn("pcm stream read failed", "error", err)
			}
			return
		}

		block := PCMBytesToFloat32(buf)
		select {
		case s.blocks <- block:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
