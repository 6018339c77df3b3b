package bayes

// estimateCPT counts (parents, self) co-occurrences and normalises each parent
// configuration over the node's own states.
func estimateCPT(data Dataset, m *Model, n *node, alpha float64) *Factor {
	vars := make([]string, 0, len(n.parents)+1)
	cards := make([]int, 0, len(n.parents)+1)
	cols := make([]int, 0, len(n.parents)+1)
	for _, p := range n.parents {
		vars = append(vars, p)
		cards = append(cards, m.nodes[p].Card)
		cols = append(cols, data.Column(p))
	}
	vars = append(vars, n.Name)
	cards = append(cards, n.Card)
	cols = append(cols, data.Column(n.Name))

	f := newFactor(vars, cards)
	for _, row := range data.Rows {
		idx := 0
		for i, c := range cols {
			idx += row[c] * f.strides[i]
		}
		f.values[idx]++
	}

	k := n.Card
	for start := 0; start < len(f.values); start += k {
		block := f.values[start : start+k]
		var total float64
		for i := range block {
			block[i] += alpha
			total += block[i]
		}
		if total == 0 {
			for i := range block {
				block[i] = 1 / float64(k)
			}
			continue
		}
		for i := range block {
			block[i] /= total
		}
	}
	return f
}
