// Package planformat renders the pending work of a scan as plan text: one
// block per registered deployer listing the artifacts that would be
// deployed, updated or undeployed.
package planformat

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hotdeploy/hotdeploy/internal/engine"
)

// Action is the change a plan line describes.
type Action string

const (
	ActionDeploy   Action = "deploy"
	ActionUpdate   Action = "update"
	ActionUndeploy Action = "undeploy"
)

// Change is one artifact line of a plan.
type Change struct {
	Name   string // path relative to the watched location
	Action Action
}

// Counts totals the changes of a set of plans.
type Counts struct {
	Deploy, Update, Undeploy, Failed int
}

// Format renders plans sorted by artifact type.
func Format(plans []engine.RegistrationPlan) string {
	var b strings.Builder

	sorted := append([]engine.RegistrationPlan(nil), plans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Type < sorted[j].Type })

	for _, p := range sorted {
		fmt.Fprintf(&b, "  # %s watching %s", p.Type, p.Location)
		if len(p.Patterns) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(p.Patterns, ", "))
		}
		b.WriteString("\n")

		if p.Err != nil {
			fmt.Fprintf(&b, "    ! scan failed: %v\n\n", p.Err)
			continue
		}
		if p.Delta == nil || p.Delta.Empty() {
			b.WriteString("    No changes.\n\n")
			continue
		}
		for _, c := range Changes(p) {
			fmt.Fprintf(&b, "    %s %s\n", actionSymbol(c.Action), c.Name)
		}
		b.WriteString("\n")
	}

	c := Count(plans)
	fmt.Fprintf(&b, "  %d to deploy, %d to update, %d to undeploy.\n", c.Deploy, c.Update, c.Undeploy)
	if c.Failed > 0 {
		fmt.Fprintf(&b, "  %d location(s) could not be scanned.\n", c.Failed)
	}
	return b.String()
}

// FormatSummary returns a single-line summary of plans.
func FormatSummary(plans []engine.RegistrationPlan) string {
	c := Count(plans)
	s := fmt.Sprintf("%d artifact(s) to deploy, %d to update, %d to undeploy across %d deployer(s)",
		c.Deploy, c.Update, c.Undeploy, len(plans))
	if c.Failed > 0 {
		s += fmt.Sprintf(", %d scan failure(s)", c.Failed)
	}
	return s
}

// Count totals the changes across plans.
func Count(plans []engine.RegistrationPlan) Counts {
	var c Counts
	for _, p := range plans {
		if p.Err != nil || p.Delta == nil {
			c.Failed++
			continue
		}
		c.Deploy += len(p.Delta.Added)
		c.Update += len(p.Delta.Changed)
		c.Undeploy += len(p.Delta.Removed)
	}
	return c
}

// Changes lists the changes of one plan in execution order: undeploys,
// then deploys, then updates, each sorted by name.
func Changes(p engine.RegistrationPlan) []Change {
	if p.Delta == nil {
		return nil
	}
	var undeploys, deploys, updates []Change
	for _, path := range p.Delta.Removed {
		undeploys = append(undeploys, Change{Name: relName(p.Location, path), Action: ActionUndeploy})
	}
	for _, e := range p.Delta.Added {
		deploys = append(deploys, Change{Name: relName(p.Location, e.Path), Action: ActionDeploy})
	}
	for _, e := range p.Delta.Changed {
		updates = append(updates, Change{Name: relName(p.Location, e.Path), Action: ActionUpdate})
	}
	sortChanges := func(s []Change) {
		sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
	}
	sortChanges(undeploys)
	sortChanges(deploys)
	sortChanges(updates)

	out := append(undeploys, deploys...)
	return append(out, updates...)
}

func relName(location, path string) string {
	rel, err := filepath.Rel(location, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func actionSymbol(a Action) string {
	switch a {
	case ActionDeploy:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionUndeploy:
		return "-"
	default:
		return "?"
	}
}
