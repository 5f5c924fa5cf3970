package remote

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"traffic_marl/internal/domain"
	"traffic_marl/internal/env"
)

const (
	EndpointReset = "reset"
	EndpointStep  = "step"
	EndpointClose = "close"

	maxFrame       = 16 << 20
	defaultTimeout = 30 * time.Second
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

type request struct {
	Endpoint string         `msgpack:"endpoint"`
	Actions  map[string]int `msgpack:"actions,omitempty"`
}

type response struct {
	Obs    map[string][]float64 `msgpack:"obs"`
	Reward float64              `msgpack:"reward"`
	Done   bool                 `msgpack:"done"`
	Info   env.Info             `msgpack:"info"`
	Error  string               `msgpack:"error,omitempty"`
}

type Config struct {
	Socket          string
	AgentIDs        []string
	ObservationSize int
	ActionSize      int
	Timeout         time.Duration
}

// Client talks to an external simulator bridge over a Unix socket. Every
// frame is a 4-byte big-endian length followed by a msgpack body.
type Client struct {
	cfg    Config
	mu     sync.Mutex
	conn   net.Conn
	logger *log.Logger
}

func Dial(ctx context.Context, cfg Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	if len(cfg.AgentIDs) == 0 {
		cfg.AgentIDs = []string{"J1_center", "J2_center"}
	}
	if cfg.ObservationSize <= 0 {
		cfg.ObservationSize = env.ObservationSize
	}
	if cfg.ActionSize <= 0 {
		cfg.ActionSize = env.ActionCount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("dial simulator %s: %w", cfg.Socket, err)
	}
	return &Client{cfg: cfg, conn: conn, logger: logger}, nil
}

func (c *Client) AgentIDs() []string   { return append([]string(nil), c.cfg.AgentIDs...) }
func (c *Client) ObservationSize() int { return c.cfg.ObservationSize }
func (c *Client) ActionSize() int      { return c.cfg.ActionSize }

func (c *Client) Reset(ctx context.Context) (map[string]domain.Observation, error) {
	resp, err := c.call(ctx, request{Endpoint: EndpointReset})
	if err != nil {
		return nil, fmt.Errorf("reset simulator: %w", err)
	}
	return c.observations(resp.Obs)
}

func (c *Client) Step(ctx context.Context, actions map[string]int) (env.StepResult, error) {
	resp, err := c.call(ctx, request{Endpoint: EndpointStep, Actions: actions})
	if err != nil {
		return env.StepResult{}, fmt.Errorf("step simulator: %w", err)
	}
	obs, err := c.observations(resp.Obs)
	if err != nil {
		return env.StepResult{}, err
	}
	return env.StepResult{Obs: obs, Reward: resp.Reward, Done: resp.Done, Info: resp.Info}, nil
}

// Close asks the bridge to stop and drops the connection.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.call(ctx, request{Endpoint: EndpointClose}); err != nil {
		c.logger.Printf("simulator close request failed socket=%s: %v", c.cfg.Socket, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) observations(raw map[string][]float64) (map[string]domain.Observation, error) {
	out := make(map[string]domain.Observation, len(raw))
	for _, id := range c.cfg.AgentIDs {
		obs, ok := raw[id]
		if !ok {
			return nil, fmt.Errorf("simulator returned no observation for %s", id)
		}
		out[id] = domain.Observation(obs)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return response{}, err
	}
	body, err := msgpack.Marshal(&req)
	if err != nil {
		return response{}, fmt.Errorf("encode request: %w", err)
	}
	if err := WriteFrame(c.conn, body); err != nil {
		return response{}, fmt.Errorf("send %s: %w", req.Endpoint, err)
	}
	raw, err := ReadFrame(c.conn)
	if err != nil {
		return response{}, fmt.Errorf("receive %s: %w", req.Endpoint, err)
	}
	var resp response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return response{}, errors.New(resp.Error)
	}
	return resp, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxFrame {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
