// Package output renders run summaries and errors for the terminal.
package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/types"
)

func init() {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		pterm.DisableColor()
	}
}

var actionLabels = map[types.ChangeAction]string{
	types.ActionInstall: "install",
	types.ActionUpgrade: "upgrade",
	types.ActionRemove:  "remove",
	types.ActionNoOp:    "up to date",
}

// RenderSummary renders the outcome of a run. checkOnly switches the
// phrasing from "did" to "would".
func RenderSummary(summary *types.RunSummary, checkOnly bool) string {
	var b strings.Builder

	if summary.Resolved != nil {
		b.WriteString(pterm.Info.Sprintf("Target: game %s, loader %s",
			summary.Resolved.GameVersion, summary.Resolved.LoaderVersion))
		b.WriteString("\n")
	}

	if summary.ShortCircuited {
		b.WriteString(pterm.Success.Sprint("Everything already up to date"))
		return b.String()
	}

	if summary.Plan != nil {
		b.WriteString(renderPlan(summary.Plan, checkOnly))
	}

	for _, id := range summary.Incompatible {
		b.WriteString(pterm.Warning.Sprintf("%s is not marked compatible with the target game version", id))
		b.WriteString("\n")
	}

	switch summary.FinalState {
	case types.StateApplied:
		b.WriteString(pterm.Success.Sprint("Apply complete"))
	case types.StateRolledBack:
		b.WriteString(pterm.Warning.Sprint("Apply failed and was rolled back; the server is unchanged"))
	case types.StateCorrupt:
		b.WriteString(pterm.Error.Sprint("Apply failed and could not be rolled back"))
		b.WriteString("\n")
		for _, path := range summary.Indeterminate {
			b.WriteString(fmt.Sprintf("  needs manual inspection: %s\n", path))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func renderPlan(plan *types.ChangePlan, checkOnly bool) string {
	var b strings.Builder

	if plan.LoaderChange {
		b.WriteString(pterm.Info.Sprintf("Loader: %s -> %s (game %s -> %s)",
			orNone(plan.LoaderFromVersion), plan.LoaderToVersion,
			orNone(plan.GameFromVersion), plan.GameToVersion))
		b.WriteString("\n")
	}

	mutations := plan.Mutations()
	if len(mutations) == 0 {
		b.WriteString(pterm.Success.Sprint("No file changes needed"))
		b.WriteString("\n")
		return b.String()
	}

	verb := "Applying"
	if checkOnly {
		verb = "Would apply"
	}
	b.WriteString(pterm.Info.Sprintf("%s %d change(s):", verb, len(mutations)))
	b.WriteString("\n")

	for _, c := range mutations {
		switch c.Action {
		case types.ActionRemove:
			b.WriteString(fmt.Sprintf("  %-8s %s (%s)\n", actionLabels[c.Action], c.ComponentID, c.Entry.FileName))
		default:
			line := fmt.Sprintf("  %-8s %s %s", actionLabels[c.Action], c.ComponentID, c.Artifact.Version)
			if len(c.Artifact.DependencyOf) > 0 {
				line += fmt.Sprintf(" (required by %s)", strings.Join(c.Artifact.DependencyOf, ", "))
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// RenderError renders an error with its code prefix when it carries one.
func RenderError(err error) string {
	code := errors.GetErrorCode(err)
	if code == errors.ErrUnknown {
		return pterm.Error.Sprint(err.Error())
	}
	return fmt.Sprintf("%s %s %s",
		pterm.Error.Prefix.Text,
		pterm.Error.MessageStyle.Sprint(string(code)),
		err.Error())
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
