// Package activity classifies session output as active or idle and
// extracts application-specific status strings.
//
// Generic activity: the session is active while output keeps arriving
// within a short sliding window. Application-specific status comes from
// two sources: OSC status markers (OSC 9 and OSC 777, which are stripped
// from the stream so downstream consumers never see them) and plain-text
// patterns emitted by known TUIs.
//
// Detection never blocks output: Process is pure CPU work and transitions
// are reported to the caller for publication.
package activity

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the sliding window after which a quiet session is idle.
const DefaultWindow = 500 * time.Millisecond

// maxCarry bounds the partial-OSC carry buffer between chunks.
const maxCarry = 4096

// AppStatus is an application-specific status extracted from output.
type AppStatus struct {
	App    string `json:"app"`
	Status string `json:"status"`
}

// State is the detector's externally visible classification.
type State struct {
	IsActive       bool       `json:"isActive"`
	LastActivityAt time.Time  `json:"timestamp"`
	Specific       *AppStatus `json:"specificStatus,omitempty"`
}

// Result is the outcome of processing one output chunk.
type Result struct {
	// Filtered is the chunk with extracted status markers removed.
	Filtered []byte

	// Transition is non-nil when the state changed.
	Transition *State

	// Bells counts BEL bytes seen outside escape sequences.
	Bells int
}

// Pattern recognizes a known TUI's status text.
type Pattern struct {
	App      string
	Contains string
	Status   string
}

// DefaultPatterns covers TUIs whose prompts we recognize in the wild.
var DefaultPatterns = []Pattern{
	{App: "claude", Contains: "esc to interrupt", Status: "working"},
	{App: "claude", Contains: "Waiting for input", Status: "waiting"},
}

// Detector consumes raw output bytes for a single session.
type Detector struct {
	mu       sync.Mutex
	window   time.Duration
	patterns []Pattern
	state    State
	carry    []byte
}

// NewDetector creates a detector with the given sliding window.
// A zero window uses DefaultWindow; nil patterns use DefaultPatterns.
func NewDetector(window time.Duration, patterns []Pattern) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if patterns == nil {
		patterns = DefaultPatterns
	}
	return &Detector{window: window, patterns: patterns}
}

// State returns a copy of the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Process consumes one output chunk. It strips OSC status markers,
// counts bells, and reports a state transition when one occurred.
func (d *Detector) Process(chunk []byte) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	data := chunk
	if len(d.carry) > 0 {
		data = append(d.carry, chunk...)
		d.carry = nil
	}

	filtered, statuses, bells, carry := scan(data)
	if len(carry) <= maxCarry {
		d.carry = carry
	} else {
		// Overlong unterminated OSC; stop waiting for a terminator.
		filtered = append(filtered, carry...)
	}

	prev := d.state
	if len(filtered) > 0 {
		d.state.IsActive = true
		d.state.LastActivityAt = time.Now()
	}

	if len(statuses) > 0 {
		last := statuses[len(statuses)-1]
		d.state.Specific = &last
	} else {
		for _, p := range d.patterns {
			if bytes.Contains(filtered, []byte(p.Contains)) {
				d.state.Specific = &AppStatus{App: p.App, Status: p.Status}
				break
			}
		}
	}

	res := Result{Filtered: filtered, Bells: bells}
	if transitioned(prev, d.state) {
		st := d.state
		res.Transition = &st
	}
	return res
}

// Tick demotes an active session to idle once the window has elapsed.
// Returns the new state when a transition occurred.
func (d *Detector) Tick(now time.Time) *State {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.IsActive || now.Sub(d.state.LastActivityAt) < d.window {
		return nil
	}
	d.state.IsActive = false
	st := d.state
	return &st
}

// Window returns the configured sliding window.
func (d *Detector) Window() time.Duration {
	return d.window
}

func transitioned(prev, next State) bool {
	if prev.IsActive != next.IsActive {
		return true
	}
	switch {
	case prev.Specific == nil && next.Specific == nil:
		return false
	case prev.Specific == nil || next.Specific == nil:
		return true
	default:
		return *prev.Specific != *next.Specific
	}
}

// scan walks the chunk, stripping OSC 9 / OSC 777 status markers and
// counting standalone BEL bytes. A trailing unterminated OSC sequence is
// returned as carry for the next chunk.
func scan(data []byte) (filtered []byte, statuses []AppStatus, bells int, carry []byte) {
	filtered = make([]byte, 0, len(data))

	i := 0
	for i < len(data) {
		if data[i] == 0x1b && i+1 < len(data) && data[i+1] == ']' {
			oscStart := i + 2
			oscEnd := -1
			termLen := 1

			for j := oscStart; j < len(data); j++ {
				if data[j] == 0x07 {
					oscEnd = j
					break
				}
				if data[j] == 0x1b && j+1 < len(data) && data[j+1] == '\\' {
					oscEnd = j
					termLen = 2
					break
				}
			}

			if oscEnd == -1 {
				carry = append(carry, data[i:]...)
				return filtered, statuses, bells, carry
			}

			content := data[oscStart:oscEnd]
			if status, ok := parseStatusMarker(content); ok {
				statuses = append(statuses, status)
			} else {
				filtered = append(filtered, data[i:oscEnd+termLen]...)
			}
			i = oscEnd + termLen
			continue
		}

		if data[i] == 0x07 {
			bells++
		}
		filtered = append(filtered, data[i])
		i++
	}

	return filtered, statuses, bells, nil
}

// parseStatusMarker recognizes OSC 9 (simple message) and
// OSC 777;notify;title;body markers.
func parseStatusMarker(content []byte) (AppStatus, bool) {
	if len(content) > 2 && content[0] == '9' && content[1] == ';' {
		message := string(content[2:])
		if message != "" && !isNumericSequence(message) {
			return AppStatus{App: "notify", Status: message}, true
		}
		return AppStatus{}, false
	}

	const prefix = "777;notify;"
	if len(content) > len(prefix) && string(content[:len(prefix)]) == prefix {
		parts := strings.SplitN(string(content[len(prefix):]), ";", 2)
		app := parts[0]
		status := ""
		if len(parts) > 1 {
			status = parts[1]
		}
		if app != "" || status != "" {
			if app == "" {
				app = "notify"
			}
			return AppStatus{App: app, Status: status}, true
		}
	}

	return AppStatus{}, false
}

// isNumericSequence returns true if the message looks like a bare escape
// sequence (only digits and semicolons), which is a false positive.
func isNumericSequence(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && c != ';' {
			return false
		}
	}
	return true
}
