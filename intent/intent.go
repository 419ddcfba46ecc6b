// Package intent turns free-form text into candidate tool calls. Detection
// is a best-effort heuristic over pattern sets; it is a collaborator of
// chat-style tools, not part of the protocol contract, and a miss simply
// means no tool call is made.
package intent

import (
	"regexp"
	"strings"
)

// Call is one detected tool call with extracted arguments.
type Call struct {
	// Tool is the name of the tool the text appears to request.
	Tool string

	// Arguments holds the extracted named arguments.
	Arguments map[string]any

	// Confidence scores how certain the detection is, in (0, 1].
	Confidence float64
}

// Detector matches user text against per-tool pattern sets.
type Detector struct {
	createUser []*regexp.Regexp
	getUser    []*regexp.Regexp
}

var quoteEdges = regexp.MustCompile(`^["']|["']$`)

// NewDetector compiles the built-in pattern sets for the user-management
// tools.
func NewDetector() *Detector {
	return &Detector{
		createUser: compileAll(
			`create\s+(?:a\s+)?(?:new\s+)?user.*?id\s*[:\s]*([^\s,]+).*?name\s*[:\s]*([^.,!?]+)`,
			`add\s+(?:a\s+)?(?:new\s+)?user.*?id\s*[:\s]*([^\s,]+).*?name\s*[:\s]*([^.,!?]+)`,
			`new\s+user.*?id\s*[:\s]*([^\s,]+).*?name\s*[:\s]*([^.,!?]+)`,
			`make\s+(?:a\s+)?user.*?id\s*[:\s]*([^\s,]+).*?name\s*[:\s]*([^.,!?]+)`,
		),
		getUser: compileAll(
			`get\s+user.*?id\s*[:\s]*([^\s,]+)`,
			`find\s+user.*?id\s*[:\s]*([^\s,]+)`,
			`retrieve\s+user.*?id\s*[:\s]*([^\s,]+)`,
			`show\s+user.*?id\s*[:\s]*([^\s,]+)`,
			`lookup\s+user.*?id\s*[:\s]*([^\s,]+)`,
		),
	}
}

// Detect returns the tool calls found in text, at most one per tool. An
// empty slice means the text carries no recognizable intent.
func (d *Detector) Detect(text string) []Call {
	lower := strings.ToLower(text)

	var calls []Call

	for _, re := range d.createUser {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		userID := strings.TrimSpace(m[1])
		name := strings.TrimSpace(quoteEdges.ReplaceAllString(strings.TrimSpace(m[2]), ""))
		calls = append(calls, Call{
			Tool:       "create_user",
			Arguments:  map[string]any{"user_id": userID, "name": name},
			Confidence: 0.9,
		})
		break
	}

	for _, re := range d.getUser {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		calls = append(calls, Call{
			Tool:       "get_user",
			Arguments:  map[string]any{"user_id": strings.TrimSpace(m[1])},
			Confidence: 0.9,
		})
		break
	}

	return calls
}

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, regexp.MustCompile(`(?i)`+p))
	}
	return res
}
