package readiness

import "regexp"

// Classification is the outcome of scanning a container's recent log output.
type Classification struct {
	AuthRequired bool
	Ready        bool
}

// LogClassifier decides whether recent logs show a process blocked on
// interactive device-code auth, a serving process, or neither. The pattern
// set is a strategy so the coupling to one CLI's log wording stays out of
// the detector's control flow.
type LogClassifier interface {
	Classify(logs string) Classification
}

// PatternClassifier matches fixed regexp sets against the log window.
// AuthRequired needs every auth pattern to match; Ready needs any ready
// pattern to match.
type PatternClassifier struct {
	AuthPatterns  []*regexp.Regexp
	ReadyPatterns []*regexp.Regexp
}

// Classify implements LogClassifier.
func (c PatternClassifier) Classify(logs string) Classification {
	var out Classification
	if len(c.AuthPatterns) > 0 {
		out.AuthRequired = true
		for _, p := range c.AuthPatterns {
			if !p.MatchString(logs) {
				out.AuthRequired = false
				break
			}
		}
	}
	for _, p := range c.ReadyPatterns {
		if p.MatchString(logs) {
			out.Ready = true
			break
		}
	}
	return out
}

var (
	deviceLoginURL = regexp.MustCompile(`https://github\.com/login/device`)
	deviceUserCode = regexp.MustCompile(`\b[A-Z0-9]{4}-[A-Z0-9]{4}\b`)
	terminalReady  = regexp.MustCompile(`(?i)(listening on port|web terminal ready)`)
	codeServeReady = regexp.MustCompile(`(?i)HTTP server listening`)
)

// TerminalClassifier matches the terminal image's startup wording: the GitHub
// device-code prompt (login URL plus one-time code) and the ready banner.
func TerminalClassifier() LogClassifier {
	return PatternClassifier{
		AuthPatterns:  []*regexp.Regexp{deviceLoginURL, deviceUserCode},
		ReadyPatterns: []*regexp.Regexp{terminalReady},
	}
}

// CodeServerClassifier matches code-server's listen banner. Code-server modes
// never block on device auth, so no auth patterns are configured.
func CodeServerClassifier() LogClassifier {
	return PatternClassifier{
		ReadyPatterns: []*regexp.Regexp{codeServeReady},
	}
}
