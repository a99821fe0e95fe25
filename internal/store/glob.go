package store

// matchGlob reports whether s matches a Redis KEYS style pattern. It supports
// '*', '?', '[...]' classes (with '^' negation and ranges) and '\' escapes.
// Unlike path.Match, '*' also crosses '/', which route based keys contain.
func matchGlob(pattern, s string) bool {
	p, i := 0, 0
	starP, starI := -1, 0

	for i < len(s) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starI = p, i
				p++
				continue
			case '?':
				p++
				i++
				continue
			case '[':
				if end, ok := matchClass(pattern, p, s[i]); end > 0 {
					if ok {
						p = end
						i++
						continue
					}
				} else if s[i] == '[' {
					p++
					i++
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == s[i] {
					p += 2
					i++
					continue
				}
			default:
				if pattern[p] == s[i] {
					p++
					i++
					continue
				}
			}
		}

		if starP < 0 {
			return false
		}
		starI++
		i = starI
		p = starP + 1
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass evaluates the class starting at pattern[open] against c. It
// returns the index after the closing ']' (0 when the class is unterminated)
// and whether c is a member.
func matchClass(pattern string, open int, c byte) (int, bool) {
	j := open + 1
	negate := false
	if j < len(pattern) && pattern[j] == '^' {
		negate = true
		j++
	}

	matched := false
	for j < len(pattern) && pattern[j] != ']' {
		lo := pattern[j]
		if lo == '\\' && j+1 < len(pattern) {
			j++
			lo = pattern[j]
		}
		hi := lo
		if j+2 < len(pattern) && pattern[j+1] == '-' && pattern[j+2] != ']' {
			hi = pattern[j+2]
			j += 2
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if c >= lo && c <= hi {
			matched = true
		}
		j++
	}
	if j >= len(pattern) {
		return 0, false
	}
	return j + 1, matched != negate
}
