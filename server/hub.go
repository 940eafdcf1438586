package server

import (
	"github.com/teranos/relay/pulse/async"
)

// runHub owns the client set: it alone adds, removes and closes the send
// channels of clients, and fans committed store events out to them.
func (s *Server) runHub(events <-chan async.Event) {
	for {
		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			for c := range s.clients {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()
			s.logger.Debugw("Websocket hub stopping due to context cancellation")
			return
		case c := <-s.register:
			s.handleClientRegister(c)
		case c := <-s.unregister:
			s.handleClientUnregister(c)
		case ev, ok := <-events:
			if !ok {
				// Unsubscribed elsewhere; keep serving clients without events
				events = nil
				continue
			}
			s.broadcastEvent(ev)
		}
	}
}

func (s *Server) handleClientRegister(c *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", c.id,
			"max_clients", MaxClients)
		close(c.send)
		return
	}
	s.clients[c] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected", "client_id", c.id, "total_clients", total)
}

func (s *Server) handleClientUnregister(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	total := len(s.clients)
	s.mu.Unlock()

	close(c.send)
	s.logger.Infow("Client disconnected", "client_id", c.id, "total_clients", total)
}

// broadcastEvent queues ev for every interested client. A client whose
// queue is full is dropped rather than slowing the others down.
func (s *Server) broadcastEvent(ev async.Event) {
	msg := EventMessage{Type: "event", Event: ev}

	s.mu.RLock()
	var slow []*Client
	for c := range s.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.drops.Add(1)
		s.removeSlowClient(c)
	}
}

// removeSlowClient is only called from the hub goroutine
func (s *Server) removeSlowClient(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	s.mu.Unlock()

	close(c.send)
	s.logger.Warnw("Client send channel full, removing client",
		"client_id", c.id,
		"total_drops", s.drops.Load())
}
