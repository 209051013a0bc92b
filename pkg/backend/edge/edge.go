// Package edge provides the remote inference backend: a WebSocket client for
// the Seminote edge detection service.
//
// The wire protocol is one JSON text header followed by one binary payload
// per frame, answered by one JSON result message. Audio payloads are either
// raw little-endian PCM16 or length-prefixed Opus packets, selected at
// construction time.
package edge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/backend"
)

// Compile-time assertion that *Client satisfies backend.Edge.
var _ backend.Edge = (*Client)(nil)

// Codec selects the audio payload encoding for frame uploads.
type Codec string

const (
	// CodecPCM16 uploads raw little-endian int16 PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus resamples to 48 kHz mono and uploads length-prefixed Opus
	// packets (20 ms each).
	CodecOpus Codec = "opus"
)

// defaultTimeout is the per-call deadline applied when the caller's context
// carries none.
const defaultTimeout = 50 * time.Millisecond

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the default per-call deadline. The coordinator normally
// supplies its own deadline via context; this is the fallback.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCodec selects the upload payload encoding. Defaults to [CodecPCM16].
func WithCodec(codec Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// Client implements backend.Edge over a persistent WebSocket connection.
// The connection is dialled lazily on the first Infer call and re-dialled
// after transport errors.
//
// Safe for concurrent use, though the coordinator holds at most one
// in-flight call at a time.
type Client struct {
	url     string
	timeout time.Duration
	codec   Codec

	mu   sync.Mutex
	conn *websocket.Conn
	enc  *opusEncoder
	seq  uint64
}

// New creates a Client for the edge service at url (ws:// or wss://).
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("edge: url must not be empty")
	}
	c := &Client{
		url:     url,
		timeout: defaultTimeout,
		codec:   CodecPCM16,
	}
	for _, o := range opts {
		o(c)
	}
	if c.codec == CodecOpus {
		enc, err := newOpusEncoder()
		if err != nil {
			return nil, err
		}
		c.enc = enc
	}
	return c, nil
}

// frameHeader is the JSON text message preceding each binary audio payload.
type frameHeader struct {
	Type        string `json:"type"`
	Seq         uint64 `json:"seq"`
	SampleRate  int    `json:"sample_rate"`
	Samples     int    `json:"samples"`
	Codec       string `json:"codec"`
	TimestampUS int64  `json:"timestamp_us"`
}

// resultMessage is the JSON message returned by the edge service.
type resultMessage struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Note *struct {
		Pitch      int     `json:"pitch"`
		Octave     int     `json:"octave"`
		Frequency  float64 `json:"frequency"`
		Cents      float64 `json:"cents"`
		Confidence float64 `json:"confidence"`
		Velocity   int     `json:"velocity"`
	} `json:"note"`
	Rhythm *struct {
		TempoBPM   float64 `json:"tempo_bpm"`
		Numerator  int     `json:"numerator"`
		Denominator int    `json:"denominator"`
		Confidence float64 `json:"confidence"`
	} `json:"rhythm"`
}

// Infer uploads one frame and waits for its result. The call observes the
// context deadline, or the client default when none is set. Transport
// failures surface as [backend.ErrUnreachable]; deadline expiry as
// [backend.ErrTimeout]. Either way the connection is discarded and re-dialled
// on the next call.
func (c *Client) Infer(ctx context.Context, frame audio.Frame) (backend.Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return backend.Result{}, err
	}

	c.seq++
	seq := c.seq

	payload, sampleRate, err := c.encodePayload(frame)
	if err != nil {
		return backend.Result{}, fmt.Errorf("edge: encode payload: %w", err)
	}

	hdr := frameHeader{
		Type:        "frame",
		Seq:         seq,
		SampleRate:  sampleRate,
		Samples:     len(frame.Samples),
		Codec:       string(c.codec),
		TimestampUS: frame.Timestamp.Microseconds(),
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return backend.Result{}, fmt.Errorf("edge: marshal header: %w", err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, hdrJSON); err != nil {
		return backend.Result{}, c.transportError(err)
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return backend.Result{}, c.transportError(err)
	}

	// Read until the result for this sequence number arrives. Results for
	// earlier sequence numbers can linger after a timeout and are skipped.
	for {
		_, msg, err := c.conn.Read(ctx)
		if err != nil {
			return backend.Result{}, c.transportError(err)
		}
		var res resultMessage
		if err := json.Unmarshal(msg, &res); err != nil || res.Type != "result" {
			continue
		}
		if res.Seq != seq {
			continue
		}
		return c.toResult(res, frame.Timestamp), nil
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close(websocket.StatusNormalClosure, "client closed")
		c.conn = nil
		return err
	}
	return nil
}

// ensureConn dials the edge service if no live connection exists.
// Must be called with c.mu held.
func (c *Client) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("edge: dial %s: %w", c.url, backend.ErrTimeout)
		}
		return fmt.Errorf("edge: dial %s: %w", c.url, backend.ErrUnreachable)
	}
	c.conn = conn
	return nil
}

// transportError maps a read/write failure to a backend sentinel and drops
// the connection so the next call re-dials. Must be called with c.mu held.
func (c *Client) transportError(err error) error {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusInternalError, "transport error")
		c.conn = nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("edge: %w", backend.ErrTimeout)
	}
	return fmt.Errorf("edge: %w: %v", backend.ErrUnreachable, err)
}

// encodePayload converts frame samples to the configured wire encoding and
// returns the payload plus the sample rate it represents.
func (c *Client) encodePayload(frame audio.Frame) ([]byte, int, error) {
	switch c.codec {
	case CodecOpus:
		return c.enc.encode(frame)
	default:
		return audio.Float32ToPCMBytes(frame.Samples), frame.SampleRate, nil
	}
}

// toResult converts a wire result to a backend.Result, stamping both values
// with the originating frame's capture timestamp.
func (c *Client) toResult(res resultMessage, ts time.Duration) backend.Result {
	var out backend.Result
	if res.Note != nil {
		out.Note = &audio.DetectedNote{
			Pitch:      audio.PitchClass(res.Note.Pitch),
			Octave:     res.Note.Octave,
			Frequency:  res.Note.Frequency,
			Cents:      res.Note.Cents,
			Confidence: res.Note.Confidence,
			Velocity:   res.Note.Velocity,
			Timestamp:  ts,
		}
	}
	if res.Rhythm != nil {
		out.Rhythm = &audio.RhythmAnalysis{
			TempoBPM: res.Rhythm.TempoBPM,
			Signature: audio.TimeSignature{
				Numerator:   res.Rhythm.Numerator,
				Denominator: res.Rhythm.Denominator,
			},
			Confidence: res.Rhythm.Confidence,
			Timestamp:  ts,
		}
	}
	return out
}

// opusFrameSize is the number of samples per 20 ms packet at 48 kHz mono.
const (
	opusSampleRate  = 48000
	opusFrameSizeMs = 20
	opusFrameSize   = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// encodeOpusPackets resamples to 48 kHz mono, pads to whole 20 ms packets,
// and returns each encoded packet prefixed with a big-endian uint16 length.
func encodeOpusPackets(enc *opusEncoder, frame audio.Frame) ([]byte, error) {
	pcm := audio.Float32ToInt16(audio.Resample(frame.Samples, frame.SampleRate, opusSampleRate))

	// Pad the tail with silence to a whole packet.
	if rem := len(pcm) % opusFrameSize; rem != 0 {
		pcm = append(pcm, make([]int16, opusFrameSize-rem)...)
	}

	var out []byte
	for off := 0; off < len(pcm); off += opusFrameSize {
		pkt, err := enc.encodePacket(pcm[off : off+opusFrameSize])
		if err != nil {
			return nil, err
		}
		var lenPrefix [2]byte
		binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(pkt)))
		out = append(out, lenPrefix[:]...)
		out = append(out, pkt...)
	}
	return out, nil
}
