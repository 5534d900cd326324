// Package assembler implements the per-deployment stack-trace assembler:
// a small state machine that coalesces continuation lines into one
// logical completed error. It has no teacher analog (the teacher never
// ingests logs). Each deployment's assembler is fed by one owning
// goroutine, but its idle-timeout flush runs on a timer goroutine, so its
// state is guarded by a mutex (see Assembler).
package assembler

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"errly/internal/classifier"
)

const (
	maxBufferLines = 100
	idleTimeout    = 2000 * time.Millisecond
)

// State is the assembler's state machine position.
type State int

const (
	StateIdle State = iota
	StateCollecting
)

// CompletedError is the result of a flush: one logical error event.
type CompletedError struct {
	Message    string
	StackTrace string
	Severity   classifier.Severity
	Endpoint   string
	RawLog     string
	Language   string
}

// Assembler holds the per-deployment state. Feed is normally called from
// one owning goroutine per deployment, but the idle-timeout flush fires on
// its own timer goroutine, so all state access is guarded by mu rather than
// relying on single-goroutine ownership alone.
type Assembler struct {
	mu         sync.Mutex
	state      State
	buffer     []string
	message    string
	severity   classifier.Severity
	endpoint   string
	rawLog     string
	language   string
	lastLineTs time.Time
	timer      *time.Timer

	// OnFlush is invoked whenever a trace completes without a caller
	// directly consuming the return value: an idle-timeout firing on its
	// own goroutine, or a second completion produced within a single Feed
	// call (the line that terminates an in-progress trace can itself be a
	// complete single-line error). Feed's own return value always carries
	// the "primary" completion for that call; OnFlush carries the rest.
	OnFlush func(CompletedError)
}

// New creates an assembler in the IDLE state.
func New() *Assembler {
	return &Assembler{state: StateIdle}
}

// Feed processes one line arriving at timestamp ts. It returns a completed
// error and true when this call produced one; otherwise it returns the zero
// value and false, meaning the line was either ignored or absorbed into an
// in-progress trace.
func (a *Assembler) Feed(line string, ts time.Time) (CompletedError, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateCollecting && !a.lastLineTs.IsZero() && ts.Sub(a.lastLineTs) > idleTimeout {
		completed := a.flush()
		if a.OnFlush != nil {
			a.OnFlush(completed)
		}
		// fall through: treat the new line as arriving in IDLE
	}

	switch a.state {
	case StateIdle:
		return a.feedIdle(line, ts)
	default:
		return a.feedCollecting(line, ts)
	}
}

func (a *Assembler) feedIdle(line string, ts time.Time) (CompletedError, bool) {
	result := classifier.Classify(line)
	if !result.IsError {
		return CompletedError{}, false
	}

	if isTraceStart(line) {
		a.state = StateCollecting
		a.buffer = []string{line}
		a.message = result.Message
		a.severity = result.Severity
		a.endpoint = result.Endpoint
		a.rawLog = line
		a.language = result.Language
		a.lastLineTs = ts
		a.armTimer()
		return CompletedError{}, false
	}

	return CompletedError{
		Message:    result.Message,
		StackTrace: "",
		Severity:   result.Severity,
		Endpoint:   result.Endpoint,
		RawLog:     line,
		Language:   result.Language,
	}, true
}

// feedCollecting handles a line while a trace is in progress. A continuation
// line (or a "Caused by:"/"[cause]:" opener) is appended to the buffer. Any
// other line terminates the in-progress trace: it is flushed and returned as
// this call's result, and the new line is then run through feedIdle purely
// to update state (a fresh trace start, or nothing). If that re-evaluation
// itself yields a second completed error — the terminating line was a
// complete single-line error in its own right, not a trace start — it is
// delivered via OnFlush, since Feed can only return one result per call.
func (a *Assembler) feedCollecting(line string, ts time.Time) (CompletedError, bool) {
	if isContinuation(line, a.language) || isCauseOpener(line) {
		a.buffer = append(a.buffer, line)
		a.lastLineTs = ts
		a.armTimer()
		if a.language == "" {
			a.language = refineLanguage(line)
		}

		if len(a.buffer) >= maxBufferLines {
			return a.flush(), true
		}
		return CompletedError{}, false
	}

	completed := a.flush()

	if next, ok := a.feedIdle(line, ts); ok && a.OnFlush != nil {
		a.OnFlush(next)
	}

	return completed, true
}

// flush finalizes the current trace, resets to IDLE, and returns it.
func (a *Assembler) flush() CompletedError {
	a.cancelTimer()

	ce := CompletedError{
		Message:    a.message,
		StackTrace: strings.Join(a.buffer, "\n"),
		Severity:   a.severity,
		Endpoint:   a.endpoint,
		RawLog:     a.rawLog,
		Language:   a.language,
	}

	a.state = StateIdle
	a.buffer = nil
	a.message = ""
	a.severity = ""
	a.endpoint = ""
	a.rawLog = ""
	a.language = ""

	return ce
}

func (a *Assembler) armTimer() {
	a.cancelTimer()
	a.timer = time.AfterFunc(idleTimeout, func() {
		a.mu.Lock()
		completed := a.flush()
		a.mu.Unlock()

		if a.OnFlush != nil {
			a.OnFlush(completed)
		}
	})
}

func (a *Assembler) cancelTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// State reports the assembler's current state machine position.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// exceptionHeaderPattern recognizes an exception's opening line by its type
// name, independent of the classifier's broader error-vs-not decision.
var exceptionHeaderPattern = regexp.MustCompile(`\b(TypeError|ReferenceError|SyntaxError|RangeError|\w+Exception)\b`)

var traceStartFragments = []string{
	"traceback",
	"panic:",
	"stack backtrace:",
	"fatal error:",
	"php fatal",
	"unhandled exception",
}

// Continuation-line recognition patterns, one set per source language plus a
// generic fallback. These are deliberately separate from classifier's
// same-named concerns: classifier decides whether one line is an error,
// these decide whether one line continues an already-open trace.
var (
	atLinePattern         = regexp.MustCompile(`^\s+at\s+`)
	goroutinePattern      = regexp.MustCompile(`\bgoroutine \d+\b`)
	rustPanicPattern      = regexp.MustCompile(`(?i)thread '.*' panicked`)
	moreFramesPattern     = regexp.MustCompile(`^\s*\.\.\.\s+\d+\s+more\b`)
	fileQuotePattern      = regexp.MustCompile(`^\s*File "`)
	indentedPattern       = regexp.MustCompile(`^\s+\S`)
	errorNamePattern      = regexp.MustCompile(`^\w+(Error|Exception):`)
	goFilePattern         = regexp.MustCompile(`\.go:\d+`)
	rustFramePattern      = regexp.MustCompile(`^\s+at\s+\S+`)
	rustFrameNumPattern   = regexp.MustCompile(`^\s*\d+:\s+0x`)
	phpFramePattern       = regexp.MustCompile(`^\s*#\d+\s+`)
	indentedTwoPattern    = regexp.MustCompile(`^ {2,}\S`)
	freshLogPrefixPattern = regexp.MustCompile(`^(\[\w+\]|\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2})`)
)

func isTraceStart(line string) bool {
	lower := strings.ToLower(line)
	for _, frag := range traceStartFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	if atLinePattern.MatchString(line) {
		return true
	}
	if goroutinePattern.MatchString(line) {
		return true
	}
	if rustPanicPattern.MatchString(line) {
		return true
	}
	// An exception header (e.g. "TypeError: ..." or "... RuntimeException: ...")
	// is reliably followed by frames; other single-line errors (a 5xx status
	// line, a connection-refused message) are complete in themselves and fall
	// through to false.
	return exceptionHeaderPattern.MatchString(line)
}

// refineLanguage infers a language from a continuation frame line when the
// trace-start line itself carried no language hint (common for exception
// messages, which look the same across languages until the first "at"/File
// frame appears).
func refineLanguage(line string) string {
	switch {
	case fileQuotePattern.MatchString(line):
		return "python"
	case goFilePattern.MatchString(line) || strings.HasPrefix(line, "goroutine"):
		return "go"
	case rustFrameNumPattern.MatchString(line):
		return "rust"
	case phpFramePattern.MatchString(line):
		return "php"
	case strings.HasPrefix(strings.TrimSpace(line), "from "):
		return "ruby"
	case atLinePattern.MatchString(line):
		return "node"
	default:
		return ""
	}
}

func isCauseOpener(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "[cause]:") || strings.Contains(line, "Caused by:")
}

func isContinuation(line, language string) bool {
	if isCauseOpener(line) {
		return true
	}

	switch language {
	case "node", "java", "dotnet":
		return atLinePattern.MatchString(line) || strings.Contains(line, "--- End of") || moreFramesPattern.MatchString(line)
	case "python":
		return fileQuotePattern.MatchString(line) || indentedPattern.MatchString(line) || errorNamePattern.MatchString(line)
	case "go":
		return indentedPattern.MatchString(line) || strings.HasPrefix(line, "goroutine") || strings.HasPrefix(line, "\t") || goFilePattern.MatchString(line)
	case "ruby":
		return strings.HasPrefix(strings.TrimSpace(line), "from ")
	case "rust":
		return rustFramePattern.MatchString(line) || rustFrameNumPattern.MatchString(line)
	case "php":
		return phpFramePattern.MatchString(line)
	default:
		return genericContinuation(line)
	}
}

// genericContinuation accepts indented lines that don't look like a fresh
// structured log entry (leading timestamp or bracketed prefix).
func genericContinuation(line string) bool {
	if !indentedTwoPattern.MatchString(line) {
		return false
	}
	if freshLogPrefixPattern.MatchString(line) {
		return false
	}
	return true
}
