package project

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultDescriptorPath is where Load looks for the project descriptor when
// no explicit path is given.
const DefaultDescriptorPath = ".relctl/projects.yaml"

// List is the parsed project descriptor: a mapping of project id to project
// configuration.
type List struct {
	projects map[string]*Project
}

// FromText parses a project descriptor from YAML text. The descriptor is
// loosely structured on disk; it is rejected here, at the process boundary,
// if it does not parse into the strict configuration types.
func FromText(text []byte) (*List, error) {
	var raw map[string]*Project
	if err := yaml.Unmarshal(text, &raw); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("cannot parse descriptor: %v", err)}
	}
	if len(raw) == 0 {
		return nil, &ConfigError{Reason: "descriptor declares no projects"}
	}
	for id, p := range raw {
		if p == nil {
			return nil, configErrorf("project %q has an empty configuration", id)
		}
		p.ID = id
	}
	return &List{projects: raw}, nil
}

// FromPath reads and parses the project descriptor at the given path.
func FromPath(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("cannot read descriptor %s: %v", path, err)}
	}
	return FromText(data)
}

// IDs returns the declared project ids, sorted.
func (l *List) IDs() []string {
	ids := make([]string, 0, len(l.projects))
	for id := range l.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load returns the validated project with the given id.
func (l *List) Load(projectID string) (*Project, error) {
	p, ok := l.projects[projectID]
	if !ok {
		return nil, configErrorf("no matching project %q, have %v", projectID, l.IDs())
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
