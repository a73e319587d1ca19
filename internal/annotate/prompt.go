package annotate

import (
	"fmt"

	"github.com/sells-group/annotate-cli/internal/schema"
)

// systemPrompt is shared by every job in a run, which makes it a good cache
// candidate.
const systemPrompt = `You are a data annotation engine. You receive one raw content record and a target schema, and you respond with a single JSON object that annotates the record.

Rules:
- Respond with ONLY the JSON object. No prose, no markdown fences.
- Include every required field. Omit optional fields you cannot determine rather than guessing.
- Enum fields must use one of the listed values exactly.
- Never invent facts that are not supported by the record content.`

// buildUserPrompt renders the per-record prompt: the schema outline followed
// by the raw payload to annotate.
func buildUserPrompt(s schema.Schema, payload string) string {
	return fmt.Sprintf(`Annotate the record below according to this schema (%s):

%s

Record content:
<record>
%s
</record>

Respond with the JSON object only.`, s.Name, s.Outline(), payload)
}
