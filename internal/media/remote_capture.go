package media

import (
	"image"
	"sync"
	"time"
)

// RemoteCapture is a Capture whose state is reported by the browser shell.
// The shell owns the real tracks; Stop asks it to release them once.
type RemoteCapture struct {
	mu      sync.Mutex
	perms   Permissions
	frame   image.Image
	frameAt time.Time
	stopped bool
	onStop  func()
}

// NewRemoteCapture creates a capture that calls onStop the first time it is stopped.
func NewRemoteCapture(onStop func()) *RemoteCapture {
	return &RemoteCapture{onStop: onStop}
}

// ReportPermissions stores the latest grant state.
func (c *RemoteCapture) ReportPermissions(p Permissions) {
	c.mu.Lock()
	c.perms = p
	c.mu.Unlock()
}

// ReportFrame stores the latest sampled frame.
func (c *RemoteCapture) ReportFrame(img image.Image, at time.Time) {
	c.mu.Lock()
	c.frame = img
	c.frameAt = at
	c.mu.Unlock()
}

func (c *RemoteCapture) Permissions() Permissions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perms
}

func (c *RemoteCapture) LatestFrame() (image.Image, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame, c.frameAt, c.frame != nil
}

func (c *RemoteCapture) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.frame = nil
	c.mu.Unlock()

	if c.onStop != nil {
		c.onStop()
	}
}

// Stopped reports whether Stop was called.
func (c *RemoteCapture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
