package reasoning

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// maxContextTurns bounds how much prior conversation reaches the prompt.
const maxContextTurns = 10

func buildPrompt(p *pattern.Pattern, message string, conversation []string) string {
	var b strings.Builder
	b.WriteString("You review canned customer-support replies before they are sent.\n")
	b.WriteString("Decide whether the reply template answers the customer's latest message, ")
	b.WriteString("and choose values for its variables if the defaults do not fit.\n\n")

	if n := len(conversation); n > 0 {
		if n > maxContextTurns {
			conversation = conversation[n-maxContextTurns:]
		}
		b.WriteString("Earlier in the conversation:\n")
		for _, turn := range conversation {
			fmt.Fprintf(&b, "- %s\n", turn)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Customer message:\n%s\n\n", message)
	fmt.Fprintf(&b, "Learned trigger:\n%s\n\n", p.TriggerText)
	fmt.Fprintf(&b, "Reply template:\n%s\n\n", p.Template.String())

	vars := p.Template.Variables()
	if len(vars) > 0 {
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("Variables (name: kind, default):\n")
		defaults := make(map[string]string, len(vars))
		for _, seg := range p.Template {
			if seg.IsVariable() && defaults[seg.Name] == "" {
				defaults[seg.Name] = seg.Default
			}
		}
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s, %q\n", name, vars[name], defaults[name])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Respond with only a JSON object with these fields:\n")
	b.WriteString(`  "applicable": true or false` + "\n")
	fmt.Fprintf(&b, "  \"rationale\": one or two sentences, at most %d characters\n", MaxRationaleLength)
	b.WriteString(`  "variables": an object mapping variable names to values; omit names that keep their default` + "\n")
	b.WriteString("Do not add other fields and do not write the reply yourself.\n")
	return b.String()
}
