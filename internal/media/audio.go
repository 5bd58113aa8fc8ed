package media

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	audioSampleRate = 48000
	audioChannels   = 2
	audioFrameMs    = 20
	audioFrameSamples = audioSampleRate * audioFrameMs / 1000
)

// audioPipeline is the narrow capability this daemon needs from
// system audio capture, mirroring the teacher's AudioCapturer
// boundary in internal/remote/desktop/audio.go: everything PulseAudio
// specific stays behind this interface and outside the rest of the
// media package. Manipulating PulseAudio sinks/sources is explicitly
// out of scope (§1); this pipeline only reads from whatever monitor
// source it's told about.
type audioPipeline interface {
	Start(onSample func(payload []byte, duration time.Duration))
	Stop()
}

// parecAudioPipeline captures a PulseAudio monitor source by shelling
// out to parec rather than linking libpulse directly, keeping the
// daemon's Pulse footprint to a single external process boundary.
type parecAudioPipeline struct {
	sourceID string
	encoder  *opus.Encoder

	mu   sync.Mutex
	cmd  *exec.Cmd
	stop chan struct{}
	done chan struct{}
}

func newAudioPipeline(sourceID string) (audioPipeline, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("media: no audio source configured")
	}
	enc, err := opus.NewEncoder(audioSampleRate, audioChannels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("media: new opus encoder: %w", err)
	}
	return &parecAudioPipeline{sourceID: sourceID, encoder: enc}, nil
}

func (p *parecAudioPipeline) Start(onSample func(payload []byte, duration time.Duration)) {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	cmd := exec.Command("parec",
		"--device", p.sourceID,
		"--format=s16le",
		fmt.Sprintf("--rate=%d", audioSampleRate),
		fmt.Sprintf("--channels=%d", audioChannels),
		"--raw",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Warn("media: audio pipeline unavailable", "error", err)
		close(p.done)
		return
	}
	if err := cmd.Start(); err != nil {
		log.Warn("media: failed to start parec", "error", err)
		close(p.done)
		return
	}
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	go p.readLoop(stdout, onSample)
}

func (p *parecAudioPipeline) readLoop(stdout io.Reader, onSample func([]byte, time.Duration)) {
	defer close(p.done)

	reader := bufio.NewReaderSize(stdout, audioFrameSamples*audioChannels*2*4)
	pcm := make([]int16, audioFrameSamples*audioChannels)
	raw := make([]byte, len(pcm)*2)
	opusBuf := make([]byte, 4000)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if _, err := io.ReadFull(reader, raw); err != nil {
			if err != io.EOF {
				log.Debug("media: audio read stopped", "error", err)
			}
			return
		}
		for i := range pcm {
			pcm[i] = int16(raw[2*i]) | int16(raw[2*i+1])<<8
		}

		n, err := p.encoder.Encode(pcm, opusBuf)
		if err != nil {
			log.Warn("media: opus encode failed", "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, opusBuf[:n])
		onSample(payload, audioFrameMs*time.Millisecond)
	}
}

func (p *parecAudioPipeline) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-p.done
}
