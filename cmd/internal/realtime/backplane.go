package realtime

import (
	"context"
	"encoding/json"
	"errors"

	v1 "parla/shared/contracts/realtime/v1"
)

// Frame is one room broadcast mirrored between instances.
type Frame struct {
	Origin   string      `json:"origin"`
	Room     string      `json:"room"`
	Except   string      `json:"except,omitempty"`
	Envelope v1.Envelope `json:"envelope"`
}

// Backplane mirrors room broadcasts across server instances.
//
// Implementations deliver at most once and preserve publish order for frames
// published sequentially by one caller.
type Backplane interface {
	// Publish sends f to every other instance.
	Publish(ctx context.Context, f Frame) error
	// Subscribe calls fn for every frame received until ctx is done.
	Subscribe(ctx context.Context, fn func(Frame)) error
	Close() error
}

var errBackplaneClosed = errors.New("realtime: backplane closed")

func encodeFrame(f Frame) ([]byte, error) { return json.Marshal(f) }

func decodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, err
	}
	if f.Origin == "" || f.Room == "" {
		return Frame{}, errors.New("realtime: incomplete frame")
	}
	return f, nil
}
