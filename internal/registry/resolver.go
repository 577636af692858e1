package registry

// Resolve упорядочивает подмножество агентов алгоритмом Кана.
// Учитываются только ребра, оба конца которых входят в names.
// Готовые одновременно узлы сохраняют порядок входного списка.
//
// При цикле возвращается исходный порядок и cyclic=true: ни один агент не теряется.
func Resolve(names []string, depsOf func(name string) []string) (order []string, cyclic bool) {
	names = dedupe(names)

	in := make(map[string]struct{}, len(names))
	for _, n := range names {
		in[n] = struct{}{}
	}

	graph := make(map[string]map[string]struct{}, len(names))
	indegree := make(map[string]int, len(names))
	for _, n := range names {
		relevant := make(map[string]struct{})
		for _, d := range depsOf(n) {
			if _, ok := in[d]; ok {
				relevant[d] = struct{}{}
			}
		}
		graph[n] = relevant
		indegree[n] = len(relevant)
	}

	queue := make([]string, 0, len(names))
	for _, n := range names {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order = make([]string, 0, len(names))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, n := range names {
			if _, ok := graph[n][current]; ok {
				indegree[n]--
				if indegree[n] == 0 {
					queue = append(queue, n)
				}
			}
		}
	}

	if len(order) != len(names) {
		return names, true
	}
	return order, false
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
