package utils

// DefaultSimilarityThreshold tolerates one OCR character error.
const DefaultSimilarityThreshold = 1

// EditDistance returns the Levenshtein distance between a and b. It keeps a
// single row sized by the shorter string.
func EditDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(rb) == 0 {
		return len(ra)
	}

	row := make([]int, len(rb)+1)
	for j := range row {
		row[j] = j
	}

	for i, ca := range ra {
		diag := row[0]
		row[0] = i + 1
		for j, cb := range rb {
			cost := 1
			if ca == cb {
				cost = 0
			}
			above := row[j+1]
			row[j+1] = min(above+1, row[j]+1, diag+cost)
			diag = above
		}
	}
	return row[len(rb)]
}

// PlatesSimilar reports whether a and b are within threshold edits.
func PlatesSimilar(a, b string, threshold int) bool {
	return EditDistance(a, b) <= threshold
}
