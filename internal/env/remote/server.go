package remote

import (
	"context"
	"errors"
	"io"
	"log"
	"net"

	"github.com/vmihailenco/msgpack/v5"

	"traffic_marl/internal/env"
)

// Serve exposes sim over the bridge protocol, one connection at a time,
// until ctx is cancelled or the listener fails.
func Serve(ctx context.Context, ln net.Listener, sim env.Environment, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if stop := serveConn(ctx, conn, sim, logger); stop {
			return nil
		}
	}
}

// serveConn handles one client and reports whether it asked to close.
func serveConn(ctx context.Context, conn net.Conn, sim env.Environment, logger *log.Logger) bool {
	defer conn.Close()
	for {
		raw, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Printf("bridge read failed: %v", err)
			}
			return false
		}
		var req request
		var resp response
		if err := msgpack.Unmarshal(raw, &req); err != nil {
			resp.Error = "decode request: " + err.Error()
		} else {
			switch req.Endpoint {
			case EndpointReset:
				obs, err := sim.Reset(ctx)
				if err != nil {
					resp.Error = err.Error()
				}
				resp.Obs = plain(obs)
			case EndpointStep:
				res, err := sim.Step(ctx, req.Actions)
				if err != nil {
					resp.Error = err.Error()
				}
				resp.Obs = plain(res.Obs)
				resp.Reward, resp.Done, resp.Info = res.Reward, res.Done, res.Info
			case EndpointClose:
			default:
				resp.Error = "unknown endpoint " + req.Endpoint
			}
		}
		body, err := msgpack.Marshal(&resp)
		if err != nil {
			logger.Printf("bridge encode failed: %v", err)
			return false
		}
		if err := WriteFrame(conn, body); err != nil {
			logger.Printf("bridge write failed: %v", err)
			return false
		}
		if req.Endpoint == EndpointClose {
			return true
		}
	}
}

func plain[T ~[]float64](obs map[string]T) map[string][]float64 {
	out := make(map[string][]float64, len(obs))
	for id, o := range obs {
		out[id] = []float64(o)
	}
	return out
}
