package pipeline

import "strings"

// normalizeVote trims and lower-cases a ballot value.
func normalizeVote(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// majority returns the most frequent non-empty normalized vote. Ties go to
// the value that was seen first. It returns "" when there are no votes.
func majority(votes []string) string {
	counts := make(map[string]int, len(votes))
	var order []string
	for _, v := range votes {
		v = normalizeVote(v)
		if v == "" {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}

	winner, best := "", 0
	for _, v := range order {
		if counts[v] > best {
			winner, best = v, counts[v]
		}
	}
	return winner
}
