// Package wav reads and writes the PCM16 RIFF files the PBX records and
// plays. Container parsing and encoding go through go-audio; this package
// adds the byte-level PCM view the VAD and the websocket stream work on.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
)

var ErrNotWAV = errors.New("wav: not a RIFF/WAVE file")

// pcmFormat is the WAVE format tag for linear PCM.
const pcmFormat = 1

// Format describes linear PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Mono16 is signed 16-bit mono PCM at the given rate.
func Mono16(rate int) Format {
	return Format{SampleRate: rate, Channels: 1, BitsPerSample: 16}
}

func (f Format) bytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

func (f Format) blockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) audioFormat() *audio.Format {
	return &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate}
}

// Duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.bytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the PCM length of d, aligned to whole frames.
func (f Format) Bytes(d time.Duration) int {
	n := int(int64(f.bytesPerSecond()) * int64(d) / int64(time.Second))
	if align := f.blockAlign(); align > 0 {
		n -= n % align
	}
	return n
}

// frames returns how many sample frames d covers.
func (f Format) frames(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// ReadBuffer decodes a PCM16 WAV file into a go-audio buffer.
func ReadBuffer(path string) (Format, *audio.IntBuffer, error) {
	in, err := os.Open(path)
	if err != nil {
		return Format{}, nil, err
	}
	defer in.Close()

	dec := gowav.NewDecoder(in)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return Format{}, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	buf, err := dec.FullPCMBuffer()
	if err == nil && buf == nil {
		err = errors.New("no PCM data")
	}
	if err != nil {
		return Format{}, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if dec.WavAudioFormat != pcmFormat {
		return Format{}, nil, fmt.Errorf("wav: unsupported encoding %d", dec.WavAudioFormat)
	}
	if dec.BitDepth != 16 {
		return Format{}, nil, fmt.Errorf("wav: unsupported bit depth %d", dec.BitDepth)
	}
	f := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitsPerSample: int(dec.BitDepth)}
	return f, buf, nil
}

// WriteBuffer encodes buf as a WAV file in format f.
func WriteBuffer(path string, f Format, buf *audio.IntBuffer) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	enc := gowav.NewEncoder(out, f.SampleRate, f.BitsPerSample, f.Channels, pcmFormat)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wav: encode %s: %w", path, err)
	}
	return enc.Close()
}

// ReadFile returns the format and little-endian PCM payload of a WAV file.
func ReadFile(path string) (Format, []byte, error) {
	f, buf, err := ReadBuffer(path)
	if err != nil {
		return Format{}, nil, err
	}
	return f, Bytes(buf), nil
}

func WriteFile(path string, f Format, pcm []byte) error {
	return WriteBuffer(path, f, Buffer(f, pcm))
}

// FileDuration returns the playing time of a WAV file.
func FileDuration(path string) (time.Duration, error) {
	f, buf, err := ReadBuffer(path)
	if err != nil {
		return 0, err
	}
	if f.SampleRate <= 0 {
		return 0, fmt.Errorf("wav: zero sample rate in %s", path)
	}
	return time.Duration(int64(buf.NumFrames()) * int64(time.Second) / int64(f.SampleRate)), nil
}

// TrimFile drops the first skip of audio from src and writes the rest to dst.
// It returns the number of PCM bytes kept, zero when src is shorter than skip.
func TrimFile(src, dst string, skip time.Duration) (int, error) {
	f, buf, err := ReadBuffer(src)
	if err != nil {
		return 0, err
	}
	cut := f.frames(skip) * f.Channels
	if cut >= len(buf.Data) {
		buf.Data = buf.Data[:0]
	} else {
		buf.Data = buf.Data[cut:]
	}
	if err := WriteBuffer(dst, f, buf); err != nil {
		return 0, err
	}
	return len(buf.Data) * f.BitsPerSample / 8, nil
}

// Silence returns d worth of zeroed PCM.
func Silence(f Format, d time.Duration) []byte {
	return make([]byte, f.Bytes(d))
}

// Buffer wraps little-endian PCM16 in a go-audio buffer.
func Buffer(f Format, pcm []byte) *audio.IntBuffer {
	samples := Samples(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	return &audio.IntBuffer{Format: f.audioFormat(), Data: data, SourceBitDepth: f.BitsPerSample}
}

// Bytes flattens a 16-bit buffer back to little-endian PCM.
func Bytes(buf *audio.IntBuffer) []byte {
	out := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out
}

// Samples converts little-endian PCM16 to samples. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// PCM converts samples back to little-endian bytes.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
