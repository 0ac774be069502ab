// Package notify implements the Progress Notifier (C9): per-session
// push channels fed by the Job Registry's progress pushes (through the
// fan-out pkg/apiserver wires in), with flood control so a noisy job cannot overwhelm a slow client.
package notify

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Frame is a single progress update pushed to a session.
type Frame struct {
	JobID        string  `json:"jobId"`
	Status       string  `json:"status"`
	Message      string  `json:"message,omitempty"`
	Progress     float64 `json:"progress,omitempty"`
	PollInterval int64   `json:"pollInterval,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type session struct {
	ch      chan Frame
	limiter *rate.Limiter
}

// Notifier fans out progress frames to registered sessions. A session
// is any consumer identifying with a string key, such as an SSE
// response writer loop; websocket connections register with Hub
// instead.
type Notifier struct {
	mu       sync.RWMutex
	sessions map[string]*session

	ratePerSecond float64
	burst         int
	bufferSize    int

	log zerolog.Logger
}

// New constructs a Notifier. ratePerSecond/burst bound how many
// frames a single session may receive per second before frames are
// dropped (the client's next poll/reconnect catches up via
// get_job_result); bufferSize bounds the per-session channel so a
// stalled client can't block the sender.
func New(ratePerSecond float64, burst, bufferSize int, log zerolog.Logger) *Notifier {
	return &Notifier{
		sessions:      make(map[string]*session),
		ratePerSecond: ratePerSecond,
		burst:         burst,
		bufferSize:    bufferSize,
		log:           log,
	}
}

// Register creates a new session and returns the channel to read
// frames from. Call Unregister when the consumer disconnects.
func (n *Notifier) Register(sessionID string) <-chan Frame {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := &session{
		ch:      make(chan Frame, n.bufferSize),
		limiter: rate.NewLimiter(rate.Limit(n.ratePerSecond), n.burst),
	}
	n.sessions[sessionID] = s
	return s.ch
}

// Unregister removes a session and closes its channel.
func (n *Notifier) Unregister(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.sessions[sessionID]; ok {
		close(s.ch)
		delete(n.sessions, sessionID)
	}
}

// SendProgress pushes a frame to sessionID. If the session's rate
// limit is exceeded or its buffer is full, the frame is dropped and
// logged at debug — progress notifications are best-effort, never the
// source of truth for job state.
func (n *Notifier) SendProgress(sessionID string, frame Frame) {
	n.mu.RLock()
	s, ok := n.sessions[sessionID]
	n.mu.RUnlock()
	if !ok {
		return
	}

	frame.Timestamp = time.Now()

	if !s.limiter.Allow() {
		n.log.Debug().Str("session_id", sessionID).Str("job_id", frame.JobID).Msg("progress frame dropped by rate limiter")
		return
	}

	select {
	case s.ch <- frame:
	default:
		n.log.Debug().Str("session_id", sessionID).Msg("progress frame dropped: buffer full")
	}
}

// Broadcast pushes frame to every session registered for jobID.
// Sessions are keyed jobID+":"+clientID, so a job with several
// concurrent SSE viewers (or a retried connection from the same
// client) all receive the frame.
func (n *Notifier) Broadcast(jobID string, frame Frame) {
	prefix := jobID + ":"
	n.mu.RLock()
	var matches []string
	for sessionID := range n.sessions {
		if strings.HasPrefix(sessionID, prefix) {
			matches = append(matches, sessionID)
		}
	}
	n.mu.RUnlock()

	for _, sessionID := range matches {
		n.SendProgress(sessionID, frame)
	}
}

// MarshalSSE formats a frame as a Server-Sent Events message.
func MarshalSSE(frame Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	out := append([]byte("event: progress\ndata: "), data...)
	out = append(out, '\n', '\n')
	return out, nil
}
