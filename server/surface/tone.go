package surface

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"time"
)

var ErrToneRunning = errors.New("tone is already playing")

type Waveform string

const (
	Sine     Waveform = "sine"
	Square   Waveform = "square"
	Sawtooth Waveform = "sawtooth"
	Triangle Waveform = "triangle"
)

// ToneGenerator is whatever can play a continuous synthetic tone.
type ToneGenerator interface {
	Start(waveform Waveform, frequency, gain float64) error
	SetFrequency(frequency float64) error
	Stop() error
}

// SilentTone is used where no audio output is available.
type SilentTone struct{}

func (SilentTone) Start(Waveform, float64, float64) error { return nil }
func (SilentTone) SetFrequency(float64) error             { return nil }
func (SilentTone) Stop() error                            { return nil }

const (
	SampleRate = 8000
	blockSize  = SampleRate / 20
)

// PCMTone writes signed 16-bit little endian mono samples to Out in real
// time, one 50ms block per tick.
type PCMTone struct {
	Out io.Writer

	mu        sync.Mutex
	waveform  Waveform
	frequency float64
	gain      float64
	phase     float64
	stopChan  chan struct{}
	exited    chan struct{}
}

func NewPCMTone(out io.Writer) *PCMTone {
	return &PCMTone{Out: out}
}

func (p *PCMTone) Start(waveform Waveform, frequency, gain float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopChan != nil {
		return ErrToneRunning
	}

	p.waveform, p.frequency, p.gain, p.phase = waveform, frequency, gain, 0
	p.stopChan = make(chan struct{})
	p.exited = make(chan struct{})

	go p.loop(p.stopChan, p.exited)
	return nil
}

func (p *PCMTone) SetFrequency(frequency float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.frequency = frequency
	return nil
}

func (p *PCMTone) Stop() error {
	p.mu.Lock()
	stopChan, exited := p.stopChan, p.exited
	p.stopChan, p.exited = nil, nil
	p.mu.Unlock()

	if stopChan == nil {
		return nil
	}
	close(stopChan)
	<-exited
	return nil
}

func (p *PCMTone) loop(stopChan, exited chan struct{}) {
	defer close(exited)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			if err := binary.Write(p.Out, binary.LittleEndian, p.block()); err != nil {
				logg.Warnf("tone output failed, going silent: %v", err)
				return
			}
		}
	}
}

func (p *PCMTone) block() []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	samples := make([]int16, blockSize)
	step := p.frequency / SampleRate
	for i := range samples {
		samples[i] = int16(Sample(p.waveform, p.phase) * p.gain * math.MaxInt16)
		p.phase = math.Mod(p.phase+step, 1)
	}
	return samples
}

// Sample evaluates waveform at phase in [0, 1), returning a value in [-1, 1].
func Sample(waveform Waveform, phase float64) float64 {
	switch waveform {
	case Square:
		if phase < 0.5 {
			return 1
		}
		return -1
	case Sawtooth:
		return 2*phase - 1
	case Triangle:
		return 1 - 4*math.Abs(phase-0.5)
	}
	return math.Sin(2 * math.Pi * phase)
}
