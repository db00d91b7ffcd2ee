package dispatch

import (
	"fmt"
	"strings"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/stage"
)

// escapeAngles neutralizes angle brackets in user-controlled fields so
// issue text cannot inject or close prompt tags.
var escapeAngles = strings.NewReplacer("<", "&lt;", ">", "&gt;")

// BuildPrompt renders the default stage prompt for an issue. Title and
// description are user input and get their angle brackets escaped; the
// surrounding tags are the only markup the subprocess should see.
func BuildPrompt(s stage.Stage, issue *models.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n", s)
	fmt.Fprintf(&b, "<issue-title>Issue #%d: %s</issue-title>\n\n",
		issue.Number, escapeAngles.Replace(issue.Title))
	fmt.Fprintf(&b, "<issue-description>%s</issue-description>",
		escapeAngles.Replace(issue.Description))
	return b.String()
}
