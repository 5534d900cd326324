// Package classifier decides whether a single log line represents an
// error, at what severity, and extracts an optional HTTP endpoint and the
// inferred source language. It has no teacher analog: the teacher never
// ingests logs, so this package is built fresh from the decision tables in
// the specification, in the small-table-driven style the rest of this
// codebase uses.
package classifier

import "regexp"

// Severity mirrors the ErrorGroup severity ordering: warn < error < fatal.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// Result is the outcome of classifying one log line.
type Result struct {
	IsError  bool
	Severity Severity
	Message  string
	Endpoint string
	Language string
}

var structuredInfoPattern = regexp.MustCompile(`(?i)level["=:]\s*["]?(info|debug|trace)\b`)

var fatalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[FATAL\]`),
	regexp.MustCompile(`(?i)\bFATAL:`),
	regexp.MustCompile(`(?i)\bFATAL ERROR\b`),
	regexp.MustCompile(`(?i)out of memory\b`),
	regexp.MustCompile(`\bOOM\b`),
	regexp.MustCompile(`\bSIGSEGV\b`),
	regexp.MustCompile(`\bSIGABRT\b`),
	regexp.MustCompile(`\bSIGTERM\b`),
	regexp.MustCompile(`(?i)\bkilled\b`),
}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[ERROR\]`),
	regexp.MustCompile(`(?i)\[CRITICAL\]`),
	regexp.MustCompile(`(?i)\bERROR:`),
	regexp.MustCompile(`(?i)level["=:]\s*["]?(error|fatal|critical)\b`),
	regexp.MustCompile(`\b(TypeError|ReferenceError|SyntaxError|RangeError)\b`),
	regexp.MustCompile(`\bUnhandled\w*`),
	regexp.MustCompile(`\bunhandledRejection\b`),
	regexp.MustCompile(`HTTP/\d(\.\d)? 5\d\d\b`),
	regexp.MustCompile(`\bstatus[=: ]5\d\d\b`),
	regexp.MustCompile(`"\w+ /\S*"\s*5\d\d\b`),
	regexp.MustCompile(`\bexit code \d+\b`),
	regexp.MustCompile(`(?i)^Traceback`),
	regexp.MustCompile(`(?i)Exception in thread`),
	regexp.MustCompile(`(?i)Caused by:`),
	regexp.MustCompile(`^panic:`),
	regexp.MustCompile(`^goroutine \d+`),
	regexp.MustCompile(`(?i)thread '.*' panicked`),
	regexp.MustCompile(`(?i)PHP Fatal`),
	regexp.MustCompile(`(?i)Fatal error:`),
	regexp.MustCompile(`System\.\w*Exception`),
	regexp.MustCompile(`(?i)Unhandled exception`),
	regexp.MustCompile(`\bECONNREFUSED\b`),
	regexp.MustCompile(`\bETIMEDOUT\b`),
	regexp.MustCompile(`(?i)connection refused`),
	regexp.MustCompile(`(?i)pool exhausted`),
	regexp.MustCompile(`FATAL:\s+too many connections`),
	regexp.MustCompile(`\bNOAUTH\b`),
}

var warnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`HTTP/\d(\.\d)? 4\d\d\b`),
	regexp.MustCompile(`\bstatus[=: ]4\d\d\b`),
	regexp.MustCompile(`"\w+ /\S*"\s*4\d\d\b`),
	regexp.MustCompile(`(?i)deprecat\w*`),
	regexp.MustCompile(`(?i)slow query`),
	regexp.MustCompile(`(?i)\[WARN\]`),
	regexp.MustCompile(`(?i)\bWARNING:`),
}

var rubyExceptionPattern = regexp.MustCompile(`\b\w+(Error|Exception)\b.*\(\w+(Error|Exception)\)`)

var javaFramePattern = regexp.MustCompile(`\.(java|kt):\d+`)
var dotnetFramePattern = regexp.MustCompile(`\bSystem\.`)
var pythonTracebackPattern = regexp.MustCompile(`^Traceback|File "`)
var goPanicPattern = regexp.MustCompile(`^goroutine|^panic:`)
var javaExceptionPattern = regexp.MustCompile(`Caused by:|Exception in thread`)
var atLinePattern = regexp.MustCompile(`^\s+at\s+`)
var rustPanicPattern = regexp.MustCompile(`(?i)thread '.*' panicked`)
var phpFramePattern = regexp.MustCompile(`(?i)PHP Fatal|^\s*#\d+\s+`)

// endpoint extraction patterns, tried in order.
var endpointPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"(\w+ /\S*)"\s*5\d\d`),
	regexp.MustCompile(`"(\w+ /\S*)"\s*4\d\d`),
	regexp.MustCompile(`method=(\w+)\s+path=(\S+)\s+status=[45]\d\d`),
	regexp.MustCompile(`(\w+ /\S*)\s+failed`),
	regexp.MustCompile(`"(\w+ /\S*)"`),
}

// HasStructuredInfoOverride reports whether line carries an explicit
// structured info/debug/trace level marker (e.g. `level=info`), which per
// spec always wins over any other signal — including a platform-supplied
// severity hint a caller might otherwise synthesize a completed error from.
func HasStructuredInfoOverride(line string) bool {
	return structuredInfoPattern.MatchString(line)
}

// Classify inspects a single log line and returns the classification result.
func Classify(line string) Result {
	// Operator review: a structured info-level marker wins over every later
	// pattern, so a line carrying one is never reported, even with an error marker in it.
	if structuredInfoPattern.MatchString(line) {
		return Result{IsError: false}
	}

	isError := false
	for _, p := range fatalPatterns {
		if p.MatchString(line) {
			isError = true
			break
		}
	}
	if !isError {
		for _, p := range errorPatterns {
			if p.MatchString(line) {
				isError = true
				break
			}
		}
	}
	if !isError {
		for _, p := range warnPatterns {
			if p.MatchString(line) {
				isError = true
				break
			}
		}
	}
	if !isError && rubyExceptionPattern.MatchString(line) {
		isError = true
	}

	if !isError {
		return Result{IsError: false}
	}

	return Result{
		IsError:  true,
		Severity: severityOf(line),
		Message:  line,
		Endpoint: extractEndpoint(line),
		Language: inferLanguage(line),
	}
}

func severityOf(line string) Severity {
	for _, p := range fatalPatterns {
		if p.MatchString(line) {
			return SeverityFatal
		}
	}
	for _, p := range errorPatterns {
		if p.MatchString(line) {
			return SeverityError
		}
	}
	for _, p := range warnPatterns {
		if p.MatchString(line) {
			return SeverityWarn
		}
	}
	return SeverityError
}

func extractEndpoint(line string) string {
	for i, p := range endpointPatterns {
		m := p.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if i == 2 { // method=M path=/p status=...
			return m[1] + " " + m[2]
		}
		return m[1]
	}
	return ""
}

func inferLanguage(line string) string {
	switch {
	case atLinePattern.MatchString(line):
		if javaFramePattern.MatchString(line) {
			return "java"
		}
		if dotnetFramePattern.MatchString(line) {
			return "dotnet"
		}
		return "node"
	case pythonTracebackPattern.MatchString(line):
		return "python"
	case goPanicPattern.MatchString(line):
		return "go"
	case javaExceptionPattern.MatchString(line):
		return "java"
	case rustPanicPattern.MatchString(line):
		return "rust"
	case phpFramePattern.MatchString(line):
		return "php"
	case dotnetFramePattern.MatchString(line):
		return "dotnet"
	case rubyExceptionPattern.MatchString(line):
		return "ruby"
	default:
		return ""
	}
}
