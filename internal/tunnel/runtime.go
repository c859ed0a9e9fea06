package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hookline/hookline/internal/tunnelproto"
)

// runtime owns one established control channel: its write pump, heartbeat
// ticker, read loop, and in-flight forwards. A new runtime is created for
// every (re)connect; a runtime is never reused after shutdown.
type runtime struct {
	sess   *Session
	conn   *websocket.Conn
	writer *tunnelproto.WritePump

	ctx    context.Context
	cancel context.CancelFunc

	errCh    chan error
	forwards sync.WaitGroup

	hbOnce    sync.Once
	closeOnce sync.Once
}

func newRuntime(s *Session, conn *websocket.Conn) *runtime {
	conn.SetReadLimit(controlReadLimit)
	ctx, cancel := context.WithCancel(context.Background())
	return &runtime{
		sess:   s,
		conn:   conn,
		writer: tunnelproto.NewWritePump(conn, controlWriteTimeout, controlQueueSize, dataQueueSize),
		ctx:    ctx,
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
}

func (rt *runtime) start() {
	rt.startHeartbeat()
	go rt.readLoop()
}

// startHeartbeat runs the keepalive ticker for as long as this connection is
// open. Guarded by a Once so repeated start calls cannot double the timer.
func (rt *runtime) startHeartbeat() {
	interval := rt.sess.cfg.PingInterval
	if interval <= 0 {
		return
	}
	rt.hbOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-rt.ctx.Done():
					return
				case <-ticker.C:
					if err := rt.writer.WriteControl(tunnelproto.Ping()); err != nil {
						rt.fail(err)
						return
					}
				}
			}
		}()
	})
}

func (rt *runtime) readLoop() {
	for {
		_, payload, err := rt.conn.ReadMessage()
		if err != nil {
			rt.fail(err)
			return
		}
		var frame tunnelproto.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			rt.sess.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		rt.route(frame)
	}
}

// route classifies one inbound frame. Classification runs in arrival order on
// the read loop; only request forwards fan out to goroutines.
func (rt *runtime) route(frame tunnelproto.Frame) {
	switch frame.Kind() {
	case tunnelproto.KindPong:
		// Informational only. Liveness is delegated to transport-level
		// disconnect detection; the ping/pong exchange exists to defeat idle
		// timeouts in intermediaries.
	case tunnelproto.KindPing:
		if err := rt.writer.WriteControl(tunnelproto.Pong()); err != nil {
			rt.fail(err)
		}
	case tunnelproto.KindRequest:
		rt.dispatch(frame)
	default:
		rt.sess.log.Debug("dropping unrecognized frame", "type", frame.Type)
	}
}

// dispatch runs one forward concurrently. Forwards deliberately do not inherit
// the connection context: an in-flight forward runs to completion even if the
// channel drops mid-way, and the upstream timeout is its only cancellation.
// The response is discarded if the channel is gone by the time it is ready.
func (rt *runtime) dispatch(frame tunnelproto.Frame) {
	rt.forwards.Add(1)
	go func() {
		defer rt.forwards.Done()

		res := rt.sess.fwd.forward(context.Background(), frame)
		path := requestPath(frame.URL)
		rt.sess.log.Info("forwarded request",
			"method", frame.Method, "path", path,
			"status", res.Status, "duration", res.Duration.String())
		rt.sess.events.request(frame.Method, path, res.Status, res.Duration.Milliseconds())

		err := rt.writer.WriteData(tunnelproto.Frame{
			ID:      frame.ID,
			Status:  res.Status,
			Headers: res.Headers,
			Body:    res.Body,
		})
		if err != nil && rt.ctx.Err() == nil {
			rt.sess.log.Warn("failed to send response to relay", "id", frame.ID, "err", err)
		}
	}()
}

// fail records the first fatal connection error and wakes the supervisor.
func (rt *runtime) fail(err error) {
	select {
	case rt.errCh <- err:
	default:
	}
	rt.cancel()
}

// wait blocks until the connection terminates and returns the cause, or nil
// for an intentional shutdown.
func (rt *runtime) wait() error {
	select {
	case err := <-rt.errCh:
		return err
	case <-rt.ctx.Done():
		return nil
	}
}

// shutdown tears the connection down. With sendClose it first offers the peer
// a normal-closure frame. Idempotent; forwards still in flight are left to
// complete on their own, their responses failing harmlessly against the
// closed write pump.
func (rt *runtime) shutdown(sendClose bool) {
	rt.closeOnce.Do(func() {
		if sendClose {
			deadline := time.Now().Add(closeGracePeriod)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = rt.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		rt.cancel()
		rt.writer.Close()
		_ = rt.conn.Close()
	})
}
