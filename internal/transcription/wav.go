package transcription

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// pcmAudio is a fully decoded WAV file.
type pcmAudio struct {
	buf      *audio.IntBuffer
	bitDepth int
}

func (p *pcmAudio) channels() int   { return p.buf.Format.NumChannels }
func (p *pcmAudio) sampleRate() int { return p.buf.Format.SampleRate }

// frames is the number of samples per channel.
func (p *pcmAudio) frames() int {
	if p.channels() == 0 {
		return 0
	}
	return len(p.buf.Data) / p.channels()
}

// seconds returns the audio length.
func (p *pcmAudio) seconds() float64 {
	if p.sampleRate() == 0 {
		return 0
	}
	return float64(p.frames()) / float64(p.sampleRate())
}

// frameAt converts a timestamp to a frame index clamped to the audio.
func (p *pcmAudio) frameAt(sec float64) int {
	f := int(sec*1000) * p.sampleRate() / 1000
	if f < 0 {
		return 0
	}
	if n := p.frames(); f > n {
		return n
	}
	return f
}

// slice returns frames [from, to) as a new buffer sharing no storage.
func (p *pcmAudio) slice(from, to int) *audio.IntBuffer {
	c := p.channels()
	data := make([]int, (to-from)*c)
	copy(data, p.buf.Data[from*c:to*c])
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: c, SampleRate: p.sampleRate()},
		Data:           data,
		SourceBitDepth: p.bitDepth,
	}
}

func readWAV(path string) (*pcmAudio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, errors.New("not a valid WAV file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode PCM: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 || buf.Format.SampleRate == 0 {
		return nil, errors.New("WAV header has no format")
	}
	return &pcmAudio{buf: buf, bitDepth: int(d.BitDepth)}, nil
}

func writeWAV(path string, buf *audio.IntBuffer, bitDepth int) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}

	enc := wav.NewEncoder(out, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		out.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return out.Close()
}
