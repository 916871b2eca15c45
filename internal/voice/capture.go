package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/smartmirror-lab/internal/logging"
)

// ErrDeviceUnavailable means every device fallback failed at listener start.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// CaptureConfig selects the microphone and stream shape.
type CaptureConfig struct {
	DeviceIndex int // -1 uses the system default capture device
	SampleRate  int
	Block       time.Duration
}

// Capture owns the malgo context and the open capture device. Each period
// of S16LE mono PCM is handed to onBlock; stereo fallback streams are
// downmixed by channel averaging before delivery.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// OpenCapture opens a microphone stream, walking a fallback ladder:
// configured device at the configured rate, then every enumerated capture
// device, then the default device at its native rate, then native rate
// with stereo input. onBlock must not be blocked by the caller.
func OpenCapture(cfg CaptureConfig, onBlock func([]byte)) (*Capture, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Block <= 0 {
		cfg.Block = 500 * time.Millisecond
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}

	c := &Capture{ctx: mctx}
	device, err := c.openWithFallbacks(cfg, onBlock)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, err
	}
	c.device = device
	return c, nil
}

func (c *Capture) openWithFallbacks(cfg CaptureConfig, onBlock func([]byte)) (*malgo.Device, error) {
	type attempt struct {
		label      string
		deviceID   *malgo.DeviceID
		sampleRate int // 0 lets the device pick its native rate
		channels   int
	}

	var attempts []attempt
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		logging.Warnw("capture device enumeration failed", "err", err)
	}
	if cfg.DeviceIndex >= 0 && cfg.DeviceIndex < len(infos) {
		id := infos[cfg.DeviceIndex].ID
		attempts = append(attempts, attempt{
			label:      fmt.Sprintf("configured device %d (%s)", cfg.DeviceIndex, infos[cfg.DeviceIndex].Name()),
			deviceID:   &id,
			sampleRate: cfg.SampleRate,
			channels:   1,
		})
	} else {
		attempts = append(attempts, attempt{label: "default device", sampleRate: cfg.SampleRate, channels: 1})
	}
	// The configured device may expose no usable input; scan the rest.
	for i := range infos {
		if i == cfg.DeviceIndex {
			continue
		}
		id := infos[i].ID
		attempts = append(attempts, attempt{
			label:      fmt.Sprintf("device %d (%s)", i, infos[i].Name()),
			deviceID:   &id,
			sampleRate: cfg.SampleRate,
			channels:   1,
		})
	}
	attempts = append(attempts,
		attempt{label: "default device at native rate", sampleRate: 0, channels: 1},
		attempt{label: "default device at native rate, stereo downmix", sampleRate: 0, channels: 2},
	)

	for _, a := range attempts {
		deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
		deviceConfig.Capture.Format = malgo.FormatS16
		deviceConfig.Capture.Channels = uint32(a.channels)
		deviceConfig.SampleRate = uint32(a.sampleRate)
		deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.Block.Milliseconds())
		if a.deviceID != nil {
			deviceConfig.Capture.DeviceID = a.deviceID.Pointer()
		}

		stereo := a.channels == 2
		callbacks := malgo.DeviceCallbacks{
			Data: func(_, pInput []byte, _ uint32) {
				block := make([]byte, len(pInput))
				copy(block, pInput)
				if stereo {
					block = downmixStereo(block)
				}
				onBlock(block)
			},
		}

		device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
		if err != nil {
			logging.Warnw("capture open failed", "attempt", a.label, "err", err)
			continue
		}
		if err := device.Start(); err != nil {
			logging.Warnw("capture start failed", "attempt", a.label, "err", err)
			device.Uninit()
			continue
		}
		logging.Infow("capture stream open", "attempt", a.label, "rate", a.sampleRate, "channels", a.channels)
		return device, nil
	}
	return nil, fmt.Errorf("%w: all capture fallbacks exhausted", ErrDeviceUnavailable)
}

// downmixStereo averages interleaved S16LE stereo frames into mono.
func downmixStereo(in []byte) []byte {
	out := make([]byte, len(in)/2)
	for i := 0; i+3 < len(in); i += 4 {
		l := int16(binary.LittleEndian.Uint16(in[i:]))
		r := int16(binary.LittleEndian.Uint16(in[i+2:]))
		m := int16((int32(l) + int32(r)) / 2)
		binary.LittleEndian.PutUint16(out[i/2:], uint16(m))
	}
	return out
}

// Close stops the device and tears down the audio context.
func (c *Capture) Close() error {
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	if c.ctx != nil {
		err := c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
		return err
	}
	return nil
}
