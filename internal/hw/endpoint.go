package hw

// Endpoint is a logical channel from one port to exactly one remote port.
type Endpoint struct {
	port *Port
	cq   *CQ

	remote      PortKey
	bound       bool
	localEvent  uint32
	remoteEvent uint32

	pending   map[uint64]struct{}
	nextToken uint64
	ce        ceAttr
	destroyed bool
}

// CreateEndpoint allocates an unbound endpoint reporting local completions to cq.
func (p *Port) CreateEndpoint(cq *CQ) (*Endpoint, Return) {
	if cq == nil {
		return nil, InvalidParam
	}
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed || cq.destroyed || cq.port != p {
		return nil, InvalidParam
	}
	cq.refs++
	p.eps++
	return &Endpoint{port: p, cq: cq, pending: make(map[uint64]struct{})}, Success
}

// Bind attaches the endpoint to the remote instance inst at NIC address addr.
// Default event data reports the remote instance locally and this instance remotely.
func (e *Endpoint) Bind(addr, inst uint32) Return {
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.destroyed || e.bound {
		return InvalidState
	}
	e.remote = PortKey{Addr: addr, Inst: inst}
	e.bound = true
	e.localEvent = inst
	e.remoteEvent = e.port.key.Inst
	return Success
}

// SetEventData overrides the instance ids reported by completions of posts on this endpoint.
func (e *Endpoint) SetEventData(local, remote uint32) Return {
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.destroyed {
		return InvalidState
	}
	e.localEvent = local
	e.remoteEvent = remote
	return Success
}

// Remote returns the bound peer.
func (e *Endpoint) Remote() (PortKey, bool) {
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	return e.remote, e.bound
}

// Outstanding reports descriptors posted whose local completion has not been reaped.
func (e *Endpoint) Outstanding() int {
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(e.pending)
}

// Unbind detaches the endpoint from its peer. It reports NotDone while
// completions are outstanding.
func (e *Endpoint) Unbind() Return {
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	return e.unbindLocked()
}

func (e *Endpoint) unbindLocked() Return {
	if e.destroyed {
		return InvalidState
	}
	if len(e.pending) > 0 {
		return NotDone
	}
	e.bound = false
	e.remote = PortKey{}
	return Success
}

// Destroy unbinds and releases the endpoint.
func (e *Endpoint) Destroy() Return {
	f := e.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.destroyed {
		return Success
	}
	if e.bound {
		if rc := e.unbindLocked(); rc != Success {
			return rc
		}
	}
	if e.ce.set {
		if ch := e.ce.channel; ch != nil && ch.configured {
			for _, slot := range ch.children {
				if slot.ep == e {
					return InvalidState
				}
			}
			if ch.parent == e {
				return InvalidState
			}
		}
	}
	e.destroyed = true
	e.cq.refs--
	e.port.eps--
	return Success
}

func (e *Endpoint) track() uint64 {
	e.nextToken++
	token := e.nextToken
	e.pending[token] = struct{}{}
	return token
}

func (e *Endpoint) retire(token uint64) {
	delete(e.pending, token)
}
