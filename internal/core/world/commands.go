package world

import "sync"

// Command is a deferred structural mutation of the store.
type Command func(*Store)

// commandQueue collects commands from event handlers and network callbacks
// so the store is only ever mutated at one fixed point in the tick.
type commandQueue struct {
	mu      sync.Mutex
	pending []Command
}

// Defer queues a command for the next DrainCommands. Safe to call from any
// goroutine; the only concurrent access the store permits.
func (s *Store) Defer(cmd Command) {
	s.commands.mu.Lock()
	s.commands.pending = append(s.commands.pending, cmd)
	s.commands.mu.Unlock()
}

// DrainCommands runs every deferred command. Called once per tick from the
// tick-processing goroutine. Commands queued while draining run in the same
// drain, in order.
func (s *Store) DrainCommands() {
	for {
		s.commands.mu.Lock()
		batch := s.commands.pending
		s.commands.pending = nil
		s.commands.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, cmd := range batch {
			cmd(s)
		}
	}
}
