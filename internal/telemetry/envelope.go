package telemetry

import (
	"bytes"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MaxDatagram is the largest envelope that fits in one UDP datagram.
const MaxDatagram = 65507

// Envelope fields.
const (
	FieldEvent   = "event"
	FieldSeq     = "seq"
	FieldSentAt  = "sent_at"
	FieldPayload = "payload"
)

// SnapshotOptions control how image payloads are encoded.
type SnapshotOptions struct {
	// Quality is the JPEG quality, 1..100.
	Quality int
	// MaxWidth downscales wider images, keeping the aspect ratio. Zero
	// keeps the original size.
	MaxWidth int
}

// EncodeSnapshot downscales img to opts.MaxWidth and encodes it as JPEG.
func EncodeSnapshot(img image.Image, opts SnapshotOptions) ([]byte, image.Rectangle, error) {
	if opts.MaxWidth > 0 && img.Bounds().Dx() > opts.MaxWidth {
		img = imaging.Resize(img, opts.MaxWidth, 0, imaging.Box)
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 50
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), img.Bounds(), nil
}

// payloadValue converts an event payload to a protobuf value. Images
// become {"format","width","height","data"}; everything else must be
// representable by structpb.NewValue.
func payloadValue(payload any, opts SnapshotOptions) (*structpb.Value, error) {
	img, ok := payload.(image.Image)
	if !ok {
		return structpb.NewValue(payload)
	}
	data, bounds, err := EncodeSnapshot(img, opts)
	if err != nil {
		return nil, err
	}
	return structpb.NewValue(map[string]any{
		"format": "jpeg",
		"width":  bounds.Dx(),
		"height": bounds.Dy(),
		"data":   data,
	})
}

// Marshal builds and serializes the envelope for one event.
func Marshal(event string, seq uint64, sentAt time.Time, payload any, opts SnapshotOptions) ([]byte, error) {
	v, err := payloadValue(payload, opts)
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", event, err)
	}
	env := &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldEvent:   structpb.NewStringValue(event),
		FieldSeq:     structpb.NewNumberValue(float64(seq)),
		FieldSentAt:  structpb.NewStringValue(sentAt.UTC().Format(time.RFC3339Nano)),
		FieldPayload: v,
	}}
	return proto.Marshal(env)
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(b []byte) (*structpb.Struct, error) {
	env := &structpb.Struct{}
	if err := proto.Unmarshal(b, env); err != nil {
		return nil, err
	}
	return env, nil
}
