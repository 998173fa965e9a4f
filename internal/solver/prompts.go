package solver

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt frames the model as the analyst's assistant.
const DefaultSystemPrompt = `You are an experienced business and systems analyst (10+ years) sitting in a
requirements meeting with a product owner. Help me ask the right questions so that
we collect everything needed to write good documentation. Think like a practitioner
who knows exactly which details a system design needs.`

const followUpInstructions = `Analyse the situation and reply in exactly this format:

Understanding:
[1-2 sentences on what is already clear]

Needs clarification:
- [gap 1: what exactly is unclear]
- [gap 2: which information is missing]
- [gap 3: which assumptions we are making]

Questions for the product owner (most important first):
1. [Business logic/Data/UX/Integrations/NFR] A question that closes a gap
2. [Business logic/Data/UX/Integrations/NFR] ...
3. [Business logic/Data/UX/Integrations/NFR] ...

Ready to document:
- [Table "name"] if the structure is known
- [API method "name"] if all parameters are known
- [Process "name"] if the business process is described
- [none] if nothing is ready

Be specific. Prefer closed questions over abstract ones and focus on what concrete
documentation artefacts need.`

const openingInstructions = `Start gathering requirements. Analyse this topic and reply in this format:

Topic:
[the main subject in one line]

Areas to clarify:
1. Business goal and value
2. Users and their roles
3. Core functionality
4. Data and its sources
5. Constraints and requirements

First questions for the product owner:
1. What is the main business goal of this feature? Which metrics improve?
2. Who are the main users and how will they use it?
3. Is there something similar in the current system or at competitors?
4. Which data is involved and where does it come from?
5. What are the deadlines and implementation constraints?

Next step: once these are answered we can move on to the details.`

// buildPrompt renders the user message for question. history is the output
// of the dialogue context and may be empty.
func buildPrompt(question, history string) string {
	if history == "" {
		return fmt.Sprintf("New topic from the product owner:\n%s\n\n%s", question, openingInstructions)
	}
	return fmt.Sprintf("Current discussion context:\n%s\n\nNew question or information from the product owner:\n%s\n\n%s",
		strings.TrimSpace(history), question, followUpInstructions)
}

// ReportKind selects one of the whole-session reports.
type ReportKind string

const (
	// ReportStructure proposes a documentation outline.
	ReportStructure ReportKind = "structure"
	// ReportCompleteness rates whether enough is known to start documenting.
	ReportCompleteness ReportKind = "completeness"
	// ReportFinal wraps up the requirements meeting.
	ReportFinal ReportKind = "final"
)

// ReportKinds lists every supported report in display order.
var ReportKinds = []ReportKind{ReportStructure, ReportCompleteness, ReportFinal}

var reportTemplates = map[ReportKind]string{
	ReportStructure: `Based on the collected requirements:

%s

Propose the structure of the final documentation: which sections to write and what
goes into each.

Documentation structure
1. Business requirements (goals and metrics, users and roles, processes, constraints)
2. Functional requirements (user scenarios, system functions, business rules)
3. Technical requirements (API specifications, database structure, integrations)
4. Non-functional requirements (performance, security, scalability)

Documentation priorities:
1. [what to document first]
2. [what can wait]
3. [what still needs clarification]`,

	ReportCompleteness: `You are a senior analyst checking whether the collected requirements are complete.

Collected information:

%s

For each artefact below decide READY, PARTIAL (small clarifications needed) or
NOT READY (another meeting needed), and note what exactly is missing:

Database tables: fields, types, constraints
API methods: parameters, responses, errors
Business processes: main flow and exceptions
User scenarios: steps and roles

Finish with recommendations: meet again, clarify, or start documenting.`,

	ReportFinal: `You are wrapping up requirements gathering with the product owner.

Everything collected so far:

%s

Produce:
Confirmed requirements (with priorities)
Assumptions and open questions
Documentation plan (document, deadline, owner)
Items the product owner must formally approve
Next steps and who to inform`,
}

func buildReport(kind ReportKind, history string) (string, bool) {
	tmpl, ok := reportTemplates[kind]
	if !ok {
		return "", false
	}
	return fmt.Sprintf(tmpl, strings.TrimSpace(history)), true
}
