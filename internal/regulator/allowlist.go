package regulator

import "strings"

// Allowlist gates direct side effects. An empty list allows nothing; "*"
// allows everything.
type Allowlist struct {
	Repositories    []string
	BaseBranches    []string
	TargetOrganisms []string
}

// ParseList splits a comma-separated setting, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a Allowlist) AllowsRepository(owner, repository string) bool {
	return contains(a.Repositories, owner+"/"+repository, true)
}

func (a Allowlist) AllowsBaseBranch(branch string) bool {
	return contains(a.BaseBranches, branch, false)
}

func (a Allowlist) AllowsTargetOrganism(id string) bool {
	return contains(a.TargetOrganisms, id, false)
}

func contains(list []string, v string, fold bool) bool {
	for _, item := range list {
		if item == "*" || item == v || (fold && strings.EqualFold(item, v)) {
			return true
		}
	}
	return false
}
