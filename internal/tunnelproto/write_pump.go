package tunnelproto

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWritePumpClosed = errors.New("control channel write pump closed")
var ErrWritePumpBackpressure = errors.New("control channel write pump backpressure")

const (
	defaultControlEnqueueTimeout = 2 * time.Second
	defaultDataEnqueueTimeout    = 5 * time.Second
)

type writeRequest struct {
	frame Frame
	done  chan error
}

// WritePump serializes control-channel writes onto a single goroutine so that
// heartbeat replies and concurrently completing forwards never interleave
// mid-frame. Control frames (ping/pong) are drained ahead of queued responses.
type WritePump struct {
	writeFn        func(Frame) error
	closeFn        func()
	control        chan writeRequest
	data           chan writeRequest
	stop           chan struct{}
	done           chan struct{}
	closed         atomic.Bool
	stopOnce       sync.Once
	controlTimeout time.Duration
	dataTimeout    time.Duration
}

// NewWritePump starts a pump writing JSON frames to conn with the given
// per-write deadline.
func NewWritePump(conn *websocket.Conn, writeTimeout time.Duration, controlCap, dataCap int) *WritePump {
	return newWritePumpWithWriter(func(f Frame) error {
		if conn == nil {
			return ErrWritePumpClosed
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
		err := conn.WriteJSON(f)
		if err != nil {
			_ = conn.Close()
		}
		return err
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, controlCap, dataCap, defaultControlEnqueueTimeout, defaultDataEnqueueTimeout)
}

func newWritePumpWithWriter(
	writeFn func(Frame) error,
	closeFn func(),
	controlCap, dataCap int,
	controlTimeout, dataTimeout time.Duration,
) *WritePump {
	if controlCap <= 0 {
		controlCap = 1
	}
	if dataCap <= 0 {
		dataCap = 1
	}
	if controlTimeout <= 0 {
		controlTimeout = defaultControlEnqueueTimeout
	}
	if dataTimeout <= 0 {
		dataTimeout = defaultDataEnqueueTimeout
	}
	p := &WritePump{
		writeFn:        writeFn,
		closeFn:        closeFn,
		control:        make(chan writeRequest, controlCap),
		data:           make(chan writeRequest, dataCap),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		controlTimeout: controlTimeout,
		dataTimeout:    dataTimeout,
	}
	go p.run()
	return p
}

// WriteControl enqueues a heartbeat frame ahead of pending data writes.
func (p *WritePump) WriteControl(f Frame) error {
	return p.enqueue(f, true)
}

// WriteData enqueues a tunneled-response frame.
func (p *WritePump) WriteData(f Frame) error {
	return p.enqueue(f, false)
}

// Close stops the pump and fails all pending writes. It is safe to call more
// than once.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(f Frame, control bool) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}

	target := p.data
	wait := p.dataTimeout
	if control {
		target = p.control
		wait = p.controlTimeout
	}

	req := writeRequest{frame: f, done: make(chan error, 1)}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWritePumpClosed
	case target <- req:
	case <-timer.C:
		p.triggerBackpressure()
		return ErrWritePumpBackpressure
	}

	return <-req.done
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(ErrWritePumpClosed)
			return
		}
		err := p.write(req.frame)
		req.done <- err
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrWritePumpClosed)
			return
		}
	}
}

func (p *WritePump) next() (writeRequest, bool) {
	select {
	case req := <-p.control:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.control:
		return req, true
	case req := <-p.data:
		return req, true
	}
}

func (p *WritePump) write(f Frame) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(f)
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.control:
			req.done <- err
		case req := <-p.data:
			req.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *WritePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}
