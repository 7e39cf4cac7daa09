package sim

import (
	"sync"
	"time"

	"codeberg.org/mutker/npuctl/internal/firmware"
)

// Channel is a loopback firmware mailbox. Every accepted command is
// answered with the configured code after the configured delay.
type Channel struct {
	mu       sync.Mutex
	complete func(tag uint64, code int)
	delay    time.Duration
	code     int
	drop     bool
	full     int
	posts    []firmware.Command
}

func NewChannel() *Channel {
	return &Channel{}
}

func (c *Channel) Subscribe(fn func(tag uint64, code int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = fn
}

// SetDelay sets how long the firmware takes to answer.
func (c *Channel) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// SetCode sets the answer code. Zero is an ack.
func (c *Channel) SetCode(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code = code
}

// SetDrop makes the firmware accept commands without ever answering.
func (c *Channel) SetDrop(drop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop = drop
}

// SetFull rejects the next n posts as if the queue were full.
func (c *Channel) SetFull(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = n
}

func (c *Channel) Post(cmd firmware.Command) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.full > 0 {
		c.full--
		return false, nil
	}

	c.posts = append(c.posts, cmd)
	if c.drop || c.complete == nil {
		return true, nil
	}

	complete, code, tag := c.complete, c.code, cmd.Tag
	if c.delay <= 0 {
		go complete(tag, code)
	} else {
		time.AfterFunc(c.delay, func() { complete(tag, code) })
	}

	return true, nil
}

// Posts returns every command accepted so far.
func (c *Channel) Posts() []firmware.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]firmware.Command(nil), c.posts...)
}

// PostsOf returns the accepted commands of one kind.
func (c *Channel) PostsOf(kind firmware.Kind) []firmware.Command {
	var out []firmware.Command
	for _, cmd := range c.Posts() {
		if cmd.Kind == kind {
			out = append(out, cmd)
		}
	}

	return out
}
