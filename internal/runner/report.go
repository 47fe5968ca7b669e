package runner

// Report is the JSON summary of a batch of pipeline runs.
type Report struct {
	Summary map[Outcome]int `json:"summary"`
	Results []ReportEntry   `json:"results"`
}

// ReportEntry is one source's line in a Report.
type ReportEntry struct {
	SourceID   string `json:"sourceId"`
	Outcome    string `json:"outcome"`
	Candidates int    `json:"candidates"`
	Ingested   int    `json:"ingested"`
	Duplicates int    `json:"duplicates"`
	Error      string `json:"error,omitempty"`
}

// NewReport flattens results for logging or printing.
func NewReport(results []Result) Report {
	out := Report{Summary: Summarize(results), Results: make([]ReportEntry, 0, len(results))}
	for _, res := range results {
		e := ReportEntry{
			SourceID:   res.SourceID,
			Outcome:    string(res.Outcome),
			Candidates: res.Candidates,
			Ingested:   res.Ingested,
			Duplicates: res.Duplicates,
		}
		if res.Err != nil {
			e.Error = res.Err.Error()
		}
		out.Results = append(out.Results, e)
	}
	return out
}

// Failed counts failed pipelines.
func (r Report) Failed() int {
	return r.Summary[OutcomeFailed]
}
