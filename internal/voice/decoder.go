package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartmirror-lab/internal/logging"
)

// ErrDecoderUnavailable means the speech sidecar could not be reached at
// listener start.
var ErrDecoderUnavailable = errors.New("speech decoder unavailable")

// Decoder turns PCM blocks into finalized utterances. Endpointing happens
// inside the decoder; DecodeBlock returns ok only when an utterance has
// been finalized.
type Decoder interface {
	DecodeBlock(pcm []byte) (string, bool)
	Close() error
}

// StreamDecoder streams PCM to the speech sidecar over a websocket and
// collects finalized transcripts from a reader goroutine. Writes never
// wait on recognition; results surface on the next DecodeBlock call.
type StreamDecoder struct {
	conn    *websocket.Conn
	results chan string
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

type sttMessage struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// DialStreamDecoder connects to the speech sidecar. sampleRate is passed
// as a query parameter so the sidecar configures its recognizer to match
// the capture stream.
func DialStreamDecoder(wsURL string, sampleRate int) (*StreamDecoder, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q: %v", ErrDecoderUnavailable, wsURL, err)
	}
	q := u.Query()
	q.Set("rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDecoderUnavailable, u.String(), err)
	}

	d := &StreamDecoder{
		conn:    conn,
		results: make(chan string, 8),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *StreamDecoder) readLoop() {
	defer close(d.done)
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			logging.Debugw("stt stream closed", "err", err)
			return
		}
		var msg sttMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("stt message decode failed", "err", err)
			continue
		}
		if !msg.Final || msg.Text == "" {
			continue
		}
		select {
		case d.results <- msg.Text:
		default:
			logging.Warnw("stt result dropped, consumer behind", "text", msg.Text)
		}
	}
}

// DecodeBlock ships one PCM block to the sidecar and returns a finalized
// utterance when one is pending.
func (d *StreamDecoder) DecodeBlock(pcm []byte) (string, bool) {
	d.writeMu.Lock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	err := d.conn.WriteMessage(websocket.BinaryMessage, pcm)
	d.writeMu.Unlock()
	if err != nil {
		logging.Debugw("stt block write failed", "err", err)
	}
	select {
	case text := <-d.results:
		return text, true
	default:
		return "", false
	}
}

// Close sends a websocket close frame and tears down the connection.
func (d *StreamDecoder) Close() error {
	d.closeOnce.Do(func() {
		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		d.writeMu.Unlock()
		d.closeErr = d.conn.Close()
		select {
		case <-d.done:
		case <-time.After(2 * time.Second):
		}
	})
	return d.closeErr
}
