package completion

import (
	"fmt"
	"strings"

	"github.com/ashureev/guestgate/internal/domain"
)

// ContextInput is the gating state summarized for the assistant.
type ContextInput struct {
	Name       string
	Intent     string
	Engagement domain.EngagementState
	Repeated   bool
	Phase      domain.Phase
	Depth      *float64
}

// BuildContext renders gating state as a short system note.
func BuildContext(in ContextInput) string {
	var b strings.Builder
	b.WriteString("[conversation state]\n")
	if in.Name != "" {
		fmt.Fprintf(&b, "user name: %s\n", in.Name)
	} else {
		b.WriteString("user name: unknown, ask for it naturally\n")
	}
	if in.Intent != "" {
		fmt.Fprintf(&b, "user intent: %s\n", in.Intent)
	} else {
		b.WriteString("user intent: unknown, gently ask what brought them here\n")
	}
	if in.Phase != "" {
		fmt.Fprintf(&b, "phase: %s\n", in.Phase)
	}
	if in.Depth != nil {
		fmt.Fprintf(&b, "conversation depth: %.2f\n", *in.Depth)
	}
	if n := in.Engagement.NonEngagementStrikes; n > 0 {
		fmt.Fprintf(&b, "non-engagement strikes: %d, keep the reply brief and inviting\n", n)
	}
	if in.Engagement.InvalidNameCount > 0 {
		b.WriteString("the last name given did not look like a name, ask again lightly\n")
	}
	if in.Repeated {
		b.WriteString("the user repeated themselves, acknowledge it and try a different angle\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
