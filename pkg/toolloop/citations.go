package toolloop

import "strings"

// applyCitations derives citations from the turn's executed read-only tool
// results and appends a Sources block when the assistant text does not
// already surface them.
func (l *Loop) applyCitations(ts *turnState, content string) string {
	citations := collectCitations(ts.executed)
	if len(citations) == 0 {
		return content
	}
	ts.state.ResponseCitations = citations

	if strings.Contains(content, "Sources:") {
		return content
	}
	for _, path := range citations {
		if strings.Contains(content, path) {
			return content
		}
	}

	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nSources:\n")
	for _, path := range citations {
		b.WriteString("- ")
		b.WriteString(path)
		b.WriteString("\n")
	}
	ts.state.ResponseCitationsAppended = true
	return strings.TrimRight(b.String(), "\n")
}

// collectCitations extracts referenced paths from read-only tool activity:
// the path argument of the call, plus any path field in the result payload.
// Order of first reference is preserved; duplicates are dropped.
func collectCitations(executed []executedCall) []string {
	var citations []string
	seen := map[string]bool{}

	add := func(raw any) {
		path, ok := raw.(string)
		if !ok || path == "" || seen[path] {
			return
		}
		seen[path] = true
		citations = append(citations, path)
	}

	for i := range executed {
		ec := &executed[i]
		if ec.result == nil || !ec.result.OK {
			continue
		}
		add(ec.call.Arguments["path"])
		if data, ok := ec.result.Data.(map[string]any); ok {
			add(data["path"])
		}
	}
	return citations
}
