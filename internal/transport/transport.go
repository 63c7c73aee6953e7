// Package transport provides the byte links to the companion radio and the
// `<`/`>` frame codec all of them share. Exactly one transport is active at
// a time.
package transport

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("transport is not connected")

type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	// ReadFrame blocks for the next device->client frame payload.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame sends one client->device frame payload.
	WriteFrame(ctx context.Context, payload []byte) error
	// Target describes the endpoint for health reporting.
	Target() string
}
