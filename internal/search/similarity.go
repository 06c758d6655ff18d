package search

import "strings"

// Similarity is the bigram Dice coefficient in [0,1]. Whitespace is stripped
// before comparison and bigrams are counted as a multiset, which is what the
// existing catalog rankings were produced with; changing either detail would
// re-rank old catalogs.
func Similarity(first, second string) float64 {
	first = stripSpace(first)
	second = stripSpace(second)

	if first == second {
		return 1
	}

	a := []rune(first)
	b := []rune(second)
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	bigrams := make(map[string]int, len(a)-1)
	for i := 0; i < len(a)-1; i++ {
		bigrams[string(a[i:i+2])]++
	}

	matches := 0
	for i := 0; i < len(b)-1; i++ {
		bigram := string(b[i : i+2])
		if bigrams[bigram] > 0 {
			bigrams[bigram]--
			matches++
		}
	}

	return 2 * float64(matches) / float64(len(a)+len(b)-2)
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
