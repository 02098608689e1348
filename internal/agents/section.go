// Package agents implements the six role-specialized LLM agents that drive
// one step of the control loop: planner, executor, reflector, recorder,
// path summarizer, and task judge. Each agent builds a prompt from
// *state.State, invokes an *llm.Client, and tolerantly parses the
// "### Section ###"-delimited response back into a typed result — the same
// three-stage shape as every original agent's get_prompt/invoke/
// parse_response.
package agents

import "strings"

// section extracts the text between "### name ###" and the first of
// endMarkers (or end of string if none match), collapsing newlines and
// repeated spaces the way every original agent's parser does before
// trimming. Returns "" when name is not present in response at all.
//
// Expectations:
//   - Returns "" when the start marker is absent
//   - Returns everything after the start marker when no end marker is found
//   - Strips embedded "###" remnants from malformed model output
func section(response, name string, endMarkers ...string) string {
	marker := "### " + name + " ###"
	idx := strings.Index(response, marker)
	if idx < 0 {
		return ""
	}
	rest := response[idx+len(marker):]

	cut := len(rest)
	for _, end := range endMarkers {
		if p := strings.Index(rest, end); p >= 0 && p < cut {
			cut = p
		}
	}
	rest = rest[:cut]
	rest = strings.ReplaceAll(rest, "\n", " ")
	rest = strings.ReplaceAll(rest, "###", "")
	for strings.Contains(rest, "  ") {
		rest = strings.ReplaceAll(rest, "  ", " ")
	}
	return strings.TrimSpace(rest)
}

func hasSection(response, name string) bool {
	return strings.Contains(response, "### "+name+" ###")
}

func stripFencesAndBraces(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	first := strings.IndexByte(s, '{')
	last := strings.LastIndexByte(s, '}')
	if first >= 0 && last > first {
		s = s[first : last+1]
	}
	return strings.TrimSpace(s)
}
