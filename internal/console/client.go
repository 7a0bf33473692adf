package console

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

// Client issues console operations against a running daemon.
type Client struct {
	bus *bus.Client
}

func NewClient(busClient *bus.Client) *Client {
	return &Client{bus: busClient}
}

// Do sends op and returns the reply. A reply with ok=false is turned into
// an error.
func (c *Client) Do(ctx context.Context, op string, req protocol.ControlRequest) (protocol.ControlReply, error) {
	var reply protocol.ControlReply
	if err := c.bus.RequestJSON(ctx, protocol.ControlSubject(op), req, &reply); err != nil {
		return reply, err
	}
	if !reply.OK {
		msg := reply.Error
		if msg == "" {
			msg = "request rejected"
		}
		return reply, errors.New(msg)
	}
	return reply, nil
}

func (c *Client) Status(ctx context.Context) (protocol.ControlReply, error) {
	return c.Do(ctx, protocol.OpStatus, protocol.ControlRequest{})
}

func (c *Client) Stop(ctx context.Context) (protocol.ControlReply, error) {
	return c.Do(ctx, protocol.OpStop, protocol.ControlRequest{})
}

func (c *Client) Next(ctx context.Context) (protocol.ControlReply, error) {
	return c.Do(ctx, protocol.OpNext, protocol.ControlRequest{})
}

func (c *Client) SetVolume(ctx context.Context, v float64) (protocol.ControlReply, error) {
	return c.Do(ctx, protocol.OpVolume, protocol.ControlRequest{Volume: &v})
}

// AutoPlay sets the gate with mode on, off or toggle.
func (c *Client) AutoPlay(ctx context.Context, mode string) (protocol.ControlReply, error) {
	return c.Do(ctx, protocol.OpAutoPlay, protocol.ControlRequest{AutoPlay: mode})
}

func (c *Client) Config(ctx context.Context) (protocol.ControlReply, error) {
	return c.Do(ctx, protocol.OpConfig, protocol.ControlRequest{})
}

func (c *Client) SetAPIURL(ctx context.Context, url string) (protocol.ControlReply, error) {
	return c.Do(ctx, protocol.OpAPIURL, protocol.ControlRequest{BaseURL: url})
}

func (c *Client) Health(ctx context.Context) (protocol.ControlReply, error) {
	return c.Do(ctx, protocol.OpHealth, protocol.ControlRequest{})
}

// SetTTS switches speech generation for new arrivals on or off.
func (c *Client) SetTTS(ctx context.Context, on bool) (protocol.ControlReply, error) {
	mode := "off"
	if on {
		mode = "on"
	}
	return c.Do(ctx, protocol.OpTTS, protocol.ControlRequest{TTS: mode})
}
