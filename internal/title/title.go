// Package title generates and injects OSC 2 terminal-title sequences and
// tracks the session working directory by sniffing cd commands.
//
// Modes:
//   - none: pass output through untouched
//   - filter: strip every application OSC 0/1/2 title sequence
//   - static: strip app titles and inject one title per prompt-ending burst
//   - dynamic: as static, plus an activity status prefix refreshed on
//     transitions at a bounded cadence
//
// Titles are only injected into output streams addressed to
// terminal-attached consumers; the session layer keeps browser streams
// clean.
package title

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Mode selects the title policy for a session.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeFilter  Mode = "filter"
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// ParseMode validates a mode string. Empty defaults to ModeNone.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeNone, nil
	case ModeNone, ModeFilter, ModeStatic, ModeDynamic:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown title mode %q", s)
	}
}

// refreshInterval is the minimum spacing between dynamic title refreshes.
const refreshInterval = 500 * time.Millisecond

const maxCarry = 4096
const maxInputLine = 4096

// Manager applies the title policy for one session.
type Manager struct {
	mu sync.Mutex

	mode    Mode
	command string
	name    string
	cwd     string
	home    string

	status     string
	lastInject time.Time

	carry     []byte
	inputLine []byte
}

// NewManager creates a title manager. command is the session's argv[0]
// label; workingDir seeds the tracked cwd; home resolves "~" in cd
// arguments.
func NewManager(mode Mode, command, workingDir, home string) *Manager {
	return &Manager{
		mode:    mode,
		command: command,
		cwd:     workingDir,
		home:    home,
	}
}

// Mode returns the configured mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetName updates the user-visible session name used in titles.
func (m *Manager) SetName(name string) {
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()
}

// SetStatus updates the activity status prefix used in dynamic mode.
func (m *Manager) SetStatus(status string) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

// Cwd returns the tracked working directory.
func (m *Manager) Cwd() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cwd
}

// TransformOutput applies the title policy to one output burst and
// returns the bytes to deliver to terminal-attached consumers.
func (m *Manager) TransformOutput(chunk []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == ModeNone {
		return chunk
	}

	data := chunk
	if len(m.carry) > 0 {
		data = append(m.carry, chunk...)
		m.carry = nil
	}

	stripped, carry := stripTitleSequences(data)
	if len(carry) <= maxCarry {
		m.carry = carry
	} else {
		stripped = append(stripped, carry...)
	}

	if m.mode == ModeFilter {
		return stripped
	}

	// static and dynamic: at most one injected title per burst, only when
	// the burst ends at something that looks like a shell prompt.
	if endsAtPrompt(stripped) {
		stripped = append(stripped, m.titleSequenceLocked()...)
		m.lastInject = time.Now()
	}

	return stripped
}

// RefreshSequence returns an OSC 2 sequence to push on an activity
// transition, or nil when the mode or cadence does not allow one.
func (m *Manager) RefreshSequence() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeDynamic {
		return nil
	}
	if time.Since(m.lastInject) < refreshInterval {
		return nil
	}
	m.lastInject = time.Now()
	return m.titleSequenceLocked()
}

func (m *Manager) titleSequenceLocked() []byte {
	parts := make([]string, 0, 3)
	if m.cwd != "" {
		parts = append(parts, m.cwd)
	}
	if m.command != "" {
		parts = append(parts, filepath.Base(m.command))
	}
	if m.name != "" {
		parts = append(parts, m.name)
	}
	title := strings.Join(parts, " · ")

	if m.mode == ModeDynamic && m.status != "" {
		title = m.status + " " + title
	}

	return []byte("\x1b]2;" + title + "\x07")
}

// TrackInput sniffs input keystrokes for cd commands and updates the
// tracked working directory when one completes.
func (m *Manager) TrackInput(input []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range input {
		if b == '\r' || b == '\n' {
			m.processLineLocked(string(m.inputLine))
			m.inputLine = m.inputLine[:0]
			continue
		}
		if len(m.inputLine) < maxInputLine {
			m.inputLine = append(m.inputLine, b)
		}
	}
}

func (m *Manager) processLineLocked(line string) {
	line = strings.TrimSpace(line)
	if line != "cd" && !strings.HasPrefix(line, "cd ") {
		return
	}

	arg := strings.TrimSpace(strings.TrimPrefix(line, "cd"))
	arg = unquote(arg)

	switch {
	case arg == "-":
		// Previous directory is unknowable from here.
		return
	case arg == "" || arg == "~":
		if m.home != "" {
			m.cwd = m.home
		}
	case strings.HasPrefix(arg, "~/"):
		if m.home != "" {
			m.cwd = filepath.Join(m.home, arg[2:])
		}
	case filepath.IsAbs(arg):
		m.cwd = filepath.Clean(arg)
	default:
		m.cwd = filepath.Join(m.cwd, arg)
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// stripTitleSequences removes every OSC 0/1/2 sequence. A trailing
// unterminated OSC is returned as carry.
func stripTitleSequences(data []byte) (out, carry []byte) {
	out = make([]byte, 0, len(data))

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
				return out, carry
			}

			if isTitleSequence(data[oscStart:oscEnd]) {
				i = oscEnd + termLen
				continue
			}

			out = append(out, data[i:oscEnd+termLen]...)
			i = oscEnd + termLen
			continue
		}

		out = append(out, data[i])
		i++
	}

	return out, nil
}

func isTitleSequence(content []byte) bool {
	if len(content) < 2 || content[1] != ';' {
		return false
	}
	return content[0] == '0' || content[0] == '1' || content[0] == '2'
}

// promptTails are the characters a shell prompt typically ends with.
var promptTails = []string{"$", "#", "%", ">", "❯"}

// endsAtPrompt reports whether the burst's last line looks like a shell
// prompt awaiting input.
func endsAtPrompt(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	if idx := bytes.LastIndexByte(data, '\n'); idx >= 0 {
		data = data[idx+1:]
	}
	line := strings.TrimRight(string(data), " \t")
	if line == "" {
		return false
	}

	for _, tail := range promptTails {
		if strings.HasSuffix(line, tail) {
			return true
		}
	}
	return false
}
