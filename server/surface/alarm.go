package surface

import (
	"sync"
	"time"
)

const (
	DefaultHighFrequency = 880
	DefaultLowFrequency  = 660
	DefaultCadence       = 500 * time.Millisecond
	DefaultGain          = 0.3
)

// Alarm sounds a two-tone square wave while any watched alert asks for it.
// Tone failures are logged and the alarm stays silent.
type Alarm struct {
	tone    ToneGenerator
	high    float64
	low     float64
	cadence time.Duration

	mu       sync.Mutex
	playing  bool
	muted    bool
	failed   bool
	stopChan chan struct{}
	exited   chan struct{}
}

func NewAlarm(tone ToneGenerator) *Alarm {
	if tone == nil {
		tone = SilentTone{}
	}
	return &Alarm{tone: tone, high: DefaultHighFrequency, low: DefaultLowFrequency, cadence: DefaultCadence}
}

// Update starts or stops the tone. Once nothing asks for it anymore the mute
// is lifted, so the next alert rings again.
func (a *Alarm) Update(wanted bool) {
	a.mu.Lock()

	if !wanted {
		a.muted, a.failed = false, false
		a.mu.Unlock()
		a.silence()
		return
	}

	if a.playing || a.muted || a.failed {
		a.mu.Unlock()
		return
	}

	if err := a.tone.Start(Square, a.high, DefaultGain); err != nil {
		a.failed = true
		a.mu.Unlock()
		logg.Errorf("unable to play alarm: %v", err)
		return
	}

	a.playing = true
	a.stopChan = make(chan struct{})
	a.exited = make(chan struct{})
	go a.alternate(a.stopChan, a.exited)
	a.mu.Unlock()
}

// Mute silences the alarm until no alert asks for it.
func (a *Alarm) Mute() {
	a.mu.Lock()
	a.muted = true
	a.mu.Unlock()

	a.silence()
}

func (a *Alarm) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.playing
}

func (a *Alarm) Muted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.muted
}

func (a *Alarm) Close() {
	a.silence()
}

func (a *Alarm) silence() {
	a.mu.Lock()
	if !a.playing {
		a.mu.Unlock()
		return
	}
	a.playing = false
	stopChan, exited := a.stopChan, a.exited
	a.mu.Unlock()

	close(stopChan)
	<-exited

	if err := a.tone.Stop(); err != nil {
		logg.Warnf("unable to stop alarm: %v", err)
	}
}

func (a *Alarm) alternate(stopChan, exited chan struct{}) {
	defer close(exited)

	ticker := time.NewTicker(a.cadence)
	defer ticker.Stop()

	high := true
	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			high = !high
			frequency := a.low
			if high {
				frequency = a.high
			}
			if err := a.tone.SetFrequency(frequency); err != nil {
				logg.Warnf("unable to change alarm frequency: %v", err)
			}
		}
	}
}
