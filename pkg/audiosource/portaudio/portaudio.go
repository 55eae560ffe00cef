// Package portaudio implements audiosource.Source on top of the PortAudio
// CGO bindings. The PortAudio C library must be available at link time.
//
// The source opens the requested input device in mono 16-bit at the pipeline
// sample rate. When the device rejects that format, it falls back to the
// device's native rate and channel count and converts each buffer (stereo
// down-mix, then linear resample) so that callers always receive frames in
// the pipeline format.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	palib "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/echoscribe/pkg/audio"
	"github.com/MrWong99/echoscribe/pkg/audiosource"
)

// Compile-time assertion that Source satisfies audiosource.Source.
var _ audiosource.Source = (*Source)(nil)

// initOnce guards global PortAudio initialisation. PortAudio requires exactly
// one Initialize per process; Terminate is deliberately never called because
// sources may be reopened for the lifetime of the process.
var (
	initOnce sync.Once
	initErr  error
)

// Config describes the capture format and device selection.
type Config struct {
	// SampleRate is the pipeline sample rate in Hz (e.g. 16000).
	SampleRate int

	// FrameDuration is the duration of one frame (e.g. 20ms).
	FrameDuration time.Duration

	// DeviceName selects an input device by case-insensitive substring match
	// against the PortAudio device name. Empty selects the default input
	// device.
	DeviceName string

	// QueueFrames is the depth of the internal frame buffer between the
	// device reader goroutine and ReadFrame. Default 8.
	QueueFrames int
}

// Source captures microphone audio via PortAudio. A background goroutine
// reads device buffers and queues converted frames; ReadFrame pops them with
// a timeout so the capture stage stays responsive to session stop.
type Source struct {
	stream *palib.Stream
	buf    []int16

	deviceRate     int
	deviceChannels int
	targetRate     int
	frameBytes     int

	// pending holds converted bytes not yet cut into full frames.
	pending []byte

	frames chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New opens the input device and starts capturing. The caller must call Close
// when the source is no longer needed.
func New(cfg Config) (*Source, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("portaudio: SampleRate must be positive")
	}
	if cfg.FrameDuration <= 0 {
		return nil, errors.New("portaudio: FrameDuration must be positive")
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 8
	}

	initOnce.Do(func() { initErr = palib.Initialize() })
	if initErr != nil {
		return nil, fmt.Errorf("portaudio: initialise: %w", initErr)
	}

	dev, err := selectDevice(cfg.DeviceName)
	if err != nil {
		return nil, err
	}

	s := &Source{
		targetRate: cfg.SampleRate,
		frameBytes: audio.FrameBytes(cfg.SampleRate, cfg.FrameDuration),
		frames:     make(chan []byte, cfg.QueueFrames),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
	}

	// Preferred format: mono at the pipeline rate.
	if err := s.open(dev, cfg.SampleRate, 1, cfg.FrameDuration); err != nil {
		// Fall back to the device's native format and convert per buffer.
		nativeRate := int(dev.DefaultSampleRate)
		channels := 1
		if dev.MaxInputChannels >= 2 {
			channels = 2
		}
		slog.Warn("portaudio: device rejected pipeline format, converting from native",
			"device", dev.Name,
			"native_rate", nativeRate,
			"channels", channels,
			"err", err,
		)
		if err := s.open(dev, nativeRate, channels, cfg.FrameDuration); err != nil {
			return nil, fmt.Errorf("portaudio: open device %q: %w", dev.Name, err)
		}
	}

	if err := s.stream.Start(); err != nil {
		s.stream.Close()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}

	s.wg.Add(1)
	go s.readLoop()

	slog.Info("portaudio: capturing",
		"device", dev.Name,
		"device_rate", s.deviceRate,
		"device_channels", s.deviceChannels,
		"pipeline_rate", s.targetRate,
	)
	return s, nil
}

// open creates the PortAudio stream for the given format. The device buffer
// is sized to one frame duration at the device rate.
func (s *Source) open(dev *palib.DeviceInfo, rate, channels int, frame time.Duration) error {
	samples := int(int64(rate) * int64(frame) / int64(time.Second))
	buf := make([]int16, samples*channels)

	params := palib.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = samples

	stream, err := palib.OpenStream(params, buf)
	if err != nil {
		return err
	}
	s.stream = stream
	s.buf = buf
	s.deviceRate = rate
	s.deviceChannels = channels
	return nil
}

// readLoop pulls device buffers, converts them to the pipeline format, and
// queues full frames. Device errors terminate the loop; the error is
// delivered to the next ReadFrame call.
func (s *Source) readLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			select {
			case s.errs <- fmt.Errorf("portaudio: device read: %w", err):
			case <-s.done:
			}
			return
		}

		pcm := int16Bytes(s.buf)
		if s.deviceChannels == 2 {
			pcm = audio.StereoToMono(pcm)
		}
		if s.deviceRate != s.targetRate {
			pcm = audio.ResampleMono16(pcm, s.deviceRate, s.targetRate)
		}
		s.pending = append(s.pending, pcm...)

		for len(s.pending) >= s.frameBytes {
			frame := make([]byte, s.frameBytes)
			copy(frame, s.pending[:s.frameBytes])
			s.pending = s.pending[s.frameBytes:]
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
	}
}

// ReadFrame returns the next captured frame, audiosource.ErrTimeout when none
// arrived in time, or the device error that stopped capture.
func (s *Source) ReadFrame(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, audiosource.ErrClosed
	case <-timer.C:
		return nil, audiosource.ErrTimeout
	}
}

// Close stops the stream and unblocks any pending ReadFrame. Safe to call
// more than once.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if abortErr := s.stream.Abort(); abortErr != nil {
			err = fmt.Errorf("portaudio: abort stream: %w", abortErr)
		}
		s.wg.Wait()
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("portaudio: close stream: %w", closeErr)
		}
	})
	return err
}

// selectDevice resolves name to an input device. Empty name means the default
// input device; otherwise the first device whose name contains name
// (case-insensitive) is used.
func selectDevice(name string) (*palib.DeviceInfo, error) {
	if name == "" {
		dev, err := palib.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: no default input device: %w", err)
		}
		return dev, nil
	}

	devices, err := palib.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	needle := strings.ToLower(name)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), needle) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no input device matching %q", name)
}

// int16Bytes reinterprets int16 samples as little-endian PCM bytes.
func int16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
