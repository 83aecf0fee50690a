package pipeline

// handlerSet holds at most one callback per event category. Registering a
// new callback replaces the previous one; a nil slot drops the event.
type handlerSet struct {
	message     func(payload string)
	connect     func()
	disconnect  func()
	stateChange func(s State)
	failure     func(err *ConnError)
}

// OnMessage registers the callback for inbound payloads, replacing any
// previous registration. Returns the pipeline for chaining.
func (p *Pipeline) OnMessage(fn func(payload string)) *Pipeline {
	p.mu.Lock()
	p.handlers.message = fn
	p.mu.Unlock()
	return p
}

// OnConnect registers the callback fired when a connection opens.
func (p *Pipeline) OnConnect(fn func()) *Pipeline {
	p.mu.Lock()
	p.handlers.connect = fn
	p.mu.Unlock()
	return p
}

// OnDisconnect registers the callback fired when a connection ends,
// whether by failure or by Disconnect.
func (p *Pipeline) OnDisconnect(fn func()) *Pipeline {
	p.mu.Lock()
	p.handlers.disconnect = fn
	p.mu.Unlock()
	return p
}

// OnStateChange registers the callback fired after every state transition.
func (p *Pipeline) OnStateChange(fn func(s State)) *Pipeline {
	p.mu.Lock()
	p.handlers.stateChange = fn
	p.mu.Unlock()
	return p
}

// OnError registers the callback for connection failures. Intentional
// shutdown via Disconnect never reports an error.
func (p *Pipeline) OnError(fn func(err *ConnError)) *Pipeline {
	p.mu.Lock()
	p.handlers.failure = fn
	p.mu.Unlock()
	return p
}
