package presence

import (
	"sync"
	"time"
)

// Notifier throttles the local user's typing signals. The first keystroke
// after idle publishes a start; a stop is scheduled StopDelay after the last
// keystroke, and every keystroke re-arms that timer.
type Notifier struct {
	mu      sync.Mutex
	publish func(typing bool)
	delay   time.Duration
	timer   *time.Timer
	active  bool
}

// NewNotifier creates a notifier that calls publish with true on typing
// start and false on stop. publish must not block; transport publishes are
// fire-and-forget.
func NewNotifier(delay time.Duration, publish func(typing bool)) *Notifier {
	if delay <= 0 {
		delay = StopDelay
	}
	return &Notifier{publish: publish, delay: delay}
}

// Keystroke records typing activity. It publishes a start signal on the
// first keystroke after idle and re-arms the scheduled stop.
func (n *Notifier) Keystroke() {
	n.mu.Lock()
	start := !n.active
	n.active = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.delay, n.expire)
	n.mu.Unlock()

	if start {
		n.publish(true)
	}
}

// Stop cancels any scheduled signal and, if a start was published, flushes
// an immediate stop. Called on send and on leaving the conversation.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	wasActive := n.active
	n.active = false
	n.mu.Unlock()

	if wasActive {
		n.publish(false)
	}
}

func (n *Notifier) expire() {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.timer = nil
	n.mu.Unlock()

	n.publish(false)
}
