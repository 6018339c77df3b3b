package bayes

// eliminationOrder picks a greedy min-fill ordering of hidden over the interaction
// graph of factors. Ties fall to the smaller neighbourhood, then to declaration order.
// The ordering only affects intermediate factor sizes, never the answer.
func (m *Model) eliminationOrder(factors []*Factor, hidden []string) []string {
	adj := make(map[string]map[string]bool)
	touch := func(v string) map[string]bool {
		if adj[v] == nil {
			adj[v] = make(map[string]bool)
		}
		return adj[v]
	}
	for _, f := range factors {
		for _, a := range f.vars {
			touch(a)
			for _, b := range f.vars {
				if a != b {
					touch(a)[b] = true
				}
			}
		}
	}

	remaining := append([]string(nil), hidden...)
	m.byDeclaration(remaining)
	order := make([]string, 0, len(remaining))
	for len(remaining) > 0 {
		best, bestFill, bestDeg := 0, -1, -1
		for i, v := range remaining {
			nb := adj[v]
			fill := 0
			for a := range nb {
				for b := range nb {
					if a < b && !adj[a][b] {
						fill++
					}
				}
			}
			if bestFill < 0 || fill < bestFill || (fill == bestFill && len(nb) < bestDeg) {
				best, bestFill, bestDeg = i, fill, len(nb)
			}
		}

		v := remaining[best]
		order = append(order, v)
		remaining = append(remaining[:best], remaining[best+1:]...)
		for a := range adj[v] {
			for b := range adj[v] {
				if a != b {
					touch(a)[b] = true
				}
			}
			delete(adj[a], v)
		}
		delete(adj, v)
	}
	return order
}
