package spec

import "fmt"

// StartOrder returns the dependencies in start order: every stage comes after
// the stages it names in After, otherwise declaration order is kept.
// Returns an error if there's a cycle.
func (p *Plan) StartOrder() ([]*Stage, error) {
	byName := make(map[string]*Stage, len(p.Dependencies))
	for _, s := range p.Dependencies {
		byName[s.Name] = s
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	var order []*Stage

	var visit func(s *Stage) error
	visit = func(s *Stage) error {
		if inStack[s.Name] {
			return fmt.Errorf("dependency cycle detected at %q", s.Name)
		}
		if visited[s.Name] {
			return nil
		}

		inStack[s.Name] = true
		for _, name := range s.After {
			dep, ok := byName[name]
			if !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		inStack[s.Name] = false

		visited[s.Name] = true
		order = append(order, s)
		return nil
	}

	for _, s := range p.Dependencies {
		if err := visit(s); err != nil {
			return nil, err
		}
	}
	return order, nil
}
