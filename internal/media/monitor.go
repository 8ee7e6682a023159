package media

import (
	"image"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/loop"
)

// Permissions is the camera/microphone grant state.
type Permissions struct {
	Camera     bool   `json:"camera"`
	Microphone bool   `json:"microphone"`
	Error      string `json:"error,omitempty"`
}

// BlockReason identifies why media is unusable.
type BlockReason string

const (
	BlockNone             BlockReason = ""
	BlockCamera           BlockReason = "camera"
	BlockMicrophone       BlockReason = "microphone"
	BlockCameraMicrophone BlockReason = "camera_microphone"
	BlockFrameQuality     BlockReason = "frame_quality"
	BlockNoFrame          BlockReason = "no_frame"
)

// Status is the media health as surfaced to the session.
type Status struct {
	Blocked       bool        `json:"blocked"`
	ViolationType BlockReason `json:"violation_type,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Permissions   Permissions `json:"permissions"`
	Quality       *Quality    `json:"quality,omitempty"`
}

// Capture is the camera/microphone stream handle.
type Capture interface {
	Permissions() Permissions
	// LatestFrame returns the most recent sampled frame and when it was taken.
	LatestFrame() (image.Image, time.Time, bool)
	// Stop releases every track. Must be idempotent.
	Stop()
}

// Periodic check bounds. A zero interval means the default.
const (
	DefaultCheckInterval = 3 * time.Second
	MinCheckInterval     = 500 * time.Millisecond
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Interval time.Duration
	// MaxFrameAge rejects frames older than this. Zero disables the check.
	MaxFrameAge time.Duration
	Now         func() time.Time
}

// Monitor runs one gating check and then periodic checks. Once blocked it
// stays blocked until Retry passes. All methods run on the session loop.
type Monitor struct {
	capture  Capture
	sched    loop.Scheduler
	cfg      MonitorConfig
	log      zerolog.Logger
	onChange func(Status)

	status   Status
	checked  bool
	timer    loop.Timer
	released bool
}

// NewMonitor creates a monitor for the given capture.
func NewMonitor(capture Capture, sched loop.Scheduler, cfg MonitorConfig, log zerolog.Logger, onChange func(Status)) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Interval = clampInterval(cfg.Interval)
	return &Monitor{
		capture:  capture,
		sched:    sched,
		cfg:      cfg,
		log:      log.With().Str("component", "media_monitor").Logger(),
		onChange: onChange,
	}
}

// CheckPermissions reads the current grant state.
func (m *Monitor) CheckPermissions() Permissions {
	return m.capture.Permissions()
}

// CheckFrameQuality validates one frame.
func (m *Monitor) CheckFrameQuality(img image.Image) Quality {
	return CheckFrameQuality(img)
}

// Status returns the last computed status.
func (m *Monitor) Status() Status {
	return m.status
}

// Check runs permission and frame checks once and publishes the result.
func (m *Monitor) Check() Status {
	st := m.evaluate()
	m.publish(st)
	return st
}

// Retry re-runs both checks; this is the only way out of the blocked state.
func (m *Monitor) Retry() Status {
	m.log.Info().Msg("Media retry requested")
	return m.Check()
}

// StartMonitoring schedules periodic checks every interval.
func (m *Monitor) StartMonitoring(interval time.Duration) {
	m.StopMonitoring()
	if m.released {
		return
	}
	if interval > 0 {
		m.cfg.Interval = clampInterval(interval)
	}
	m.schedule()
}

func clampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultCheckInterval
	case d < MinCheckInterval:
		return MinCheckInterval
	}
	return d
}

// StopMonitoring cancels periodic checks.
func (m *Monitor) StopMonitoring() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Monitoring reports whether periodic checks are scheduled.
func (m *Monitor) Monitoring() bool {
	return m.timer != nil
}

// Release stops monitoring and every capture track. Safe to call repeatedly.
func (m *Monitor) Release() {
	m.StopMonitoring()
	if m.released {
		return
	}
	m.released = true
	m.capture.Stop()
	m.log.Info().Msg("Media capture released")
}

func (m *Monitor) schedule() {
	m.timer = m.sched.AfterFunc(m.cfg.Interval, func() {
		m.timer = nil
		if m.released {
			return
		}
		// A periodic pass only detects failures; unblocking needs Retry.
		if !m.status.Blocked {
			if st := m.evaluate(); st.Blocked {
				m.publish(st)
			}
		}
		m.schedule()
	})
}

func (m *Monitor) evaluate() Status {
	perms := m.capture.Permissions()
	st := Status{Permissions: perms}

	switch {
	case !perms.Camera && !perms.Microphone:
		st.ViolationType = BlockCameraMicrophone
		st.Reason = "Camera and microphone access are required"
	case !perms.Camera:
		st.ViolationType = BlockCamera
		st.Reason = "Camera access is required"
	case !perms.Microphone:
		st.ViolationType = BlockMicrophone
		st.Reason = "Microphone access is required"
	}
	if st.ViolationType != BlockNone {
		if perms.Error != "" {
			st.Reason = st.Reason + ": " + perms.Error
		}
		st.Blocked = true
		return st
	}

	img, at, ok := m.capture.LatestFrame()
	if !ok || (m.cfg.MaxFrameAge > 0 && m.cfg.Now().Sub(at) > m.cfg.MaxFrameAge) {
		st.Blocked = true
		st.ViolationType = BlockNoFrame
		st.Reason = ReasonNoFrame
		return st
	}

	q := CheckFrameQuality(img)
	st.Quality = &q
	if !q.IsValid {
		st.Blocked = true
		st.ViolationType = BlockFrameQuality
		st.Reason = q.Reason
	}
	return st
}

func (m *Monitor) publish(st Status) {
	changed := !m.checked || st.Blocked != m.status.Blocked || st.ViolationType != m.status.ViolationType
	m.checked = true
	m.status = st
	if !changed {
		return
	}
	if st.Blocked {
		m.log.Warn().Str("violation_type", string(st.ViolationType)).Str("reason", st.Reason).Msg("Media blocked")
	} else {
		m.log.Info().Msg("Media healthy")
	}
	if m.onChange != nil {
		m.onChange(st)
	}
}
