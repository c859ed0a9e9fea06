package tunnel

// Events carries the optional lifecycle and observability callbacks supplied
// by the presentation layer. Any handler may be nil. Handlers are dispatched
// on their own goroutines so a slow subscriber can never stall the session.
type Events struct {
	OnConnect    func()
	OnDisconnect func()
	OnRequest    func(method, path string, status int, durationMs int64)
	OnError      func(err error)
}

func (e Events) connect() {
	if e.OnConnect != nil {
		go e.OnConnect()
	}
}

func (e Events) disconnect() {
	if e.OnDisconnect != nil {
		go e.OnDisconnect()
	}
}

func (e Events) request(method, path string, status int, durationMs int64) {
	if e.OnRequest != nil {
		go e.OnRequest(method, path, status, durationMs)
	}
}

func (e Events) error(err error) {
	if e.OnError != nil && err != nil {
		go e.OnError(err)
	}
}
