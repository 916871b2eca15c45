package voice

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/hraban/opus"

	"github.com/smartmirror-lab/internal/logging"
)

// OpusIngest decodes opus frames from a companion device into S16LE mono
// PCM and hands each decoded block to sink. Used by the /voice/stream
// websocket endpoint so remote audio feeds the same listener queue as the
// local microphone.
type OpusIngest struct {
	dec        *opus.Decoder
	sink       func([]byte)
	sampleRate int
	errCount   int64
	pcm        []int16
}

func NewOpusIngest(sampleRate int, sink func([]byte)) (*OpusIngest, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusIngest{
		dec:        dec,
		sink:       sink,
		sampleRate: sampleRate,
		// 120 ms is the largest opus frame.
		pcm: make([]int16, sampleRate*120/1000),
	}, nil
}

// Frame decodes one opus packet. Decode errors are counted and logged,
// not fatal; a bad frame from the network must not kill the stream.
func (o *OpusIngest) Frame(data []byte) {
	n, err := o.dec.Decode(data, o.pcm)
	if err != nil {
		atomic.AddInt64(&o.errCount, 1)
		logging.Errorw("opus decode error", "err", err)
		return
	}
	buf := &bytes.Buffer{}
	buf.Grow(n * 2)
	for _, s := range o.pcm[:n] {
		binary.Write(buf, binary.LittleEndian, s)
	}
	o.sink(buf.Bytes())
}

// DecodeErrors returns how many frames failed to decode.
func (o *OpusIngest) DecodeErrors() int64 {
	return atomic.LoadInt64(&o.errCount)
}
