package edge

import (
	"fmt"

	"github.com/seminote/engine/pkg/audio"
	"layeh.com/gopus"
)

// opusEncoder wraps a gopus encoder configured for the edge upload format:
// 48 kHz mono, 20 ms packets. Encoder state persists across frames, so a
// single instance is reused for the lifetime of the client.
type opusEncoder struct {
	enc *gopus.Encoder
}

// newOpusEncoder creates an encoder for edge uploads.
func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, 1, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("edge: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encodePacket encodes exactly one 20 ms packet (960 mono samples).
func (e *opusEncoder) encodePacket(pcm []int16) ([]byte, error) {
	pkt, err := e.enc.Encode(pcm, opusFrameSize, len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("edge: opus encode: %w", err)
	}
	return pkt, nil
}

// encode converts a frame to the Opus wire payload. The payload always
// represents 48 kHz audio regardless of the capture rate.
func (e *opusEncoder) encode(frame audio.Frame) ([]byte, int, error) {
	payload, err := encodeOpusPackets(e, frame)
	if err != nil {
		return nil, 0, err
	}
	return payload, opusSampleRate, nil
}
