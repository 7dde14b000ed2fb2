package actions

// Result is the outcome of executing one action.
type Result struct {
	IsDone           bool              `json:"is_done"`
	Success          *bool             `json:"success,omitempty"`
	ExtractedContent string            `json:"extracted_content,omitempty"`
	Error            string            `json:"error,omitempty"`
	IncludeInMemory  bool              `json:"include_in_memory"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Failed is a result carrying only an error; it is always kept in memory so
// the model sees what went wrong.
func Failed(msg string) Result {
	return Result{Error: msg, IncludeInMemory: true}
}

// Note is a non-error result with content the model should see.
func Note(msg string) Result {
	return Result{ExtractedContent: msg, IncludeInMemory: true}
}

// HasSuccess reports whether any result completed without error.
func HasSuccess(results []Result) bool {
	for _, r := range results {
		if r.Error == "" {
			return true
		}
	}
	return false
}

func Bool(b bool) *bool { return &b }
