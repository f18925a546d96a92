// Package wav reads PCM WAV files into float32 sample buffers for the
// speech models. The pipeline only ever produces 16 kHz mono s16le WAV via
// ffmpeg, so the reader is deliberately strict: RIFF/WAVE container, PCM
// format chunk, 16-bit samples.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Info describes a decoded WAV file.
type Info struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// DataBytes is the size of the PCM data chunk.
	DataBytes int64
}

// DurationS returns the audio duration in seconds.
func (i Info) DurationS() float64 {
	bytesPerSec := i.SampleRate * i.Channels * i.BitsPerSample / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return float64(i.DataBytes) / float64(bytesPerSec)
}

// ErrNotWAV is returned when the file does not carry a RIFF/WAVE header.
var ErrNotWAV = errors.New("wav: not a RIFF/WAVE file")

// ReadFile decodes path into mono float32 samples in [-1, 1]. Multi-channel
// input is down-mixed by averaging. Only 16-bit PCM is accepted.
func ReadFile(path string) ([]float32, Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, fmt.Errorf("wav: open %q: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode decodes a WAV stream into mono float32 samples. See [ReadFile].
func Decode(r io.Reader) ([]float32, Info, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, Info{}, fmt.Errorf("wav: read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, Info{}, ErrNotWAV
	}

	var (
		info   Info
		pcm    []byte
		sawFmt bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, Info{}, fmt.Errorf("wav: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, Info{}, fmt.Errorf("wav: read fmt chunk: %w", err)
			}
			if len(buf) < 16 {
				return nil, Info{}, errors.New("wav: fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(buf[0:2])
			if format != 1 { // PCM
				return nil, Info{}, fmt.Errorf("wav: unsupported format tag %d (want PCM)", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(buf[14:16]))
			if info.BitsPerSample != 16 {
				return nil, Info{}, fmt.Errorf("wav: unsupported bit depth %d (want 16)", info.BitsPerSample)
			}
			sawFmt = true

		case "data":
			pcm = make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, Info{}, fmt.Errorf("wav: read data chunk: %w", err)
			}
			info.DataBytes = size

		default:
			// Skip LIST, fact, and other metadata chunks. Chunk sizes are
			// padded to even byte boundaries.
			if size%2 != 0 {
				size++
			}
			if _, err := io.CopyN(io.Discard, r, size); err != nil {
				return nil, Info{}, fmt.Errorf("wav: skip %q chunk: %w", id, err)
			}
		}

		if sawFmt && pcm != nil {
			break
		}
	}

	if !sawFmt {
		return nil, Info{}, errors.New("wav: missing fmt chunk")
	}
	if pcm == nil {
		return nil, Info{}, errors.New("wav: missing data chunk")
	}

	return pcmToFloat32Mono(pcm, info.Channels), info, nil
}

// Slice returns the sub-range of samples covering [startS, endS) at the given
// sample rate, clamped to the buffer bounds. It shares the backing array.
func Slice(samples []float32, sampleRate int, startS, endS float64) []float32 {
	lo := int(startS * float64(sampleRate))
	hi := int(endS * float64(sampleRate))
	if lo < 0 {
		lo = 0
	}
	if hi > len(samples) {
		hi = len(samples)
	}
	if lo >= hi {
		return nil
	}
	return samples[lo:hi]
}

// pcmToFloat32Mono down-mixes 16-bit little-endian PCM to mono float32 by
// averaging all channels per frame.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
