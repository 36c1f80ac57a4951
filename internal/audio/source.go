package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// chunkMillis is the size of each batch a Source hands to its callback,
// roughly what a capture driver delivers per interrupt.
const chunkMillis = 100

// Source produces 16 kHz mono PCM16LE batches. Each batch has even length.
// Stream returns nil when the source is exhausted or ctx is cancelled.
type Source interface {
	Stream(ctx context.Context, deliver func(pcm []byte)) error
}

// WAVSource replays a WAV file as if it were a live capture device.
type WAVSource struct {
	Path string
	// Realtime paces delivery at the file's own speed instead of as fast as
	// the consumer accepts.
	Realtime bool
	Logger   zerolog.Logger
}

func (s *WAVSource) Stream(ctx context.Context, deliver func(pcm []byte)) error {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("read wav %q: %w", s.Path, err)
	}
	samples, sr, err := DecodeWAV(raw)
	if err != nil {
		return fmt.Errorf("decode wav %q: %w", s.Path, err)
	}
	if sr != SampleRate {
		before := len(samples)
		samples = ResampleLinear(samples, sr, SampleRate)
		s.Logger.Debug().Int("before", before).Int("after", len(samples)).Int("sr", sr).Msg("resampled wav source")
	}
	s.Logger.Info().Str("path", s.Path).Float64("seconds", float64(len(samples))/SampleRate).Msg("wav source started")

	step := SampleRate * chunkMillis / 1000
	var tick *time.Ticker
	if s.Realtime {
		tick = time.NewTicker(chunkMillis * time.Millisecond)
		defer tick.Stop()
	}
	for off := 0; off < len(samples); off += step {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}
		end := min(off+step, len(samples))
		deliver(EncodePCM16LE(samples[off:end]))
	}
	s.Logger.Info().Str("path", s.Path).Msg("wav source finished")
	return nil
}

// ReaderSource reads raw PCM16LE from R (stdin, a pipe, a socket).
type ReaderSource struct {
	R      io.Reader
	Logger zerolog.Logger
}

func (s *ReaderSource) Stream(ctx context.Context, deliver func(pcm []byte)) error {
	buf := make([]byte, SampleRate*2*chunkMillis/1000)
	var carry []byte
	for ctx.Err() == nil {
		n, err := s.R.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) &^ 1
			if whole > 0 {
				out := make([]byte, whole)
				copy(out, data[:whole])
				deliver(out)
			}
			carry = append([]byte(nil), data[whole:]...)
		}
		if errors.Is(err, io.EOF) {
			s.Logger.Info().Msg("reader source reached end of input")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pcm: %w", err)
		}
	}
	return nil
}
