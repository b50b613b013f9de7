package types

// AgentKind identifies the execution path the orchestrator routes to.
type AgentKind string

const (
	// AgentCompliance answers regulatory questions over the retrieval core
	AgentCompliance AgentKind = "compliance"

	// AgentReport produces a formatted report document
	AgentReport AgentKind = "report"

	// AgentQueryUnderstanding runs query analysis only
	AgentQueryUnderstanding AgentKind = "query_understanding"
)

// OrchestratorPlan is the planner's routing decision. The planner never
// answers the user directly.
type OrchestratorPlan struct {
	PrimaryAgent AgentKind `json:"primary_agent"`

	RequiresQueryUnderstanding bool `json:"requires_query_understanding"`
	RequiresComplexHandling    bool `json:"requires_complex_handling"`

	// AdditionalInfo carries path-specific hints (report template name,
	// gap-analysis mode, emitted report path, ...)
	AdditionalInfo map[string]string `json:"additional_info,omitempty"`
}

// Valid reports whether the primary agent is a known kind.
func (p *OrchestratorPlan) Valid() bool {
	switch p.PrimaryAgent {
	case AgentCompliance, AgentReport, AgentQueryUnderstanding:
		return true
	}
	return false
}
