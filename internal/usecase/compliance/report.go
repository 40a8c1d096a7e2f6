package compliance

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Report is a point-in-time regulatory compliance summary.
type Report struct {
	GeneratedAt        time.Time `json:"generated_at"`
	TotalAgents        int       `json:"total_agents"`
	CompliantAgents    int       `json:"compliant_agents"`
	NonCompliantAgents int       `json:"non_compliant_agents"`
	TotalEvents        uint64    `json:"total_events"`
	TotalViolations    uint64    `json:"total_violations"`
	HighRiskAgents     uint64    `json:"high_risk_agents"`
	AgentRecords       []Record  `json:"agent_records"`
}

// GenerateReport snapshots every tracked agent into a report. Records are
// ordered by agent id.
func (t *Tracker) GenerateReport() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := Report{
		GeneratedAt:     time.Now(),
		TotalAgents:     len(t.records),
		TotalEvents:     t.totalEvents,
		TotalViolations: t.totalViolations,
		HighRiskAgents:  t.highRiskAgents,
		AgentRecords:    make([]Record, 0, len(t.records)),
	}
	for _, rec := range t.records {
		if rec.Compliant() {
			report.CompliantAgents++
		} else {
			report.NonCompliantAgents++
		}
		report.AgentRecords = append(report.AgentRecords, *rec)
	}
	sort.Slice(report.AgentRecords, func(i, j int) bool {
		return report.AgentRecords[i].AgentID < report.AgentRecords[j].AgentID
	})
	return report
}

// ToText renders the report as a human-readable summary.
func (r Report) ToText() string {
	var b strings.Builder
	b.WriteString("EU AI Act Compliance Report\n")
	b.WriteString("===========================\n\n")

	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Total Agents: %d\n", r.TotalAgents)
	fmt.Fprintf(&b, "Compliant: %d\n", r.CompliantAgents)
	fmt.Fprintf(&b, "Non-Compliant: %d\n", r.NonCompliantAgents)
	fmt.Fprintf(&b, "Total Events: %d\n", r.TotalEvents)
	fmt.Fprintf(&b, "Total Violations: %d\n", r.TotalViolations)
	fmt.Fprintf(&b, "High-Risk Agents: %d\n\n", r.HighRiskAgents)

	if len(r.AgentRecords) > 0 {
		b.WriteString("Agent Details:\n")
		b.WriteString("ID    Risk      Decisions  Violations  Score\n")
		b.WriteString("----  --------  ---------  ----------  -----\n")
		for _, rec := range r.AgentRecords {
			fmt.Fprintf(&b, "%-4d  %-8s  %-9d  %-10d  %.1f%%\n",
				rec.AgentID, rec.RiskLevel, rec.DecisionsMade,
				rec.PolicyViolations, rec.Score()*100)
		}
	}
	return b.String()
}
