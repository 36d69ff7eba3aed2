// Package tokens provides the token estimation heuristic shared by the
// memory and summariser components. One token per four characters is a
// deliberate, deterministic approximation: budgets derived from it only
// need to be conservative, not exact.
package tokens

// CharsPerToken is the estimation divisor.
const CharsPerToken = 4

// Estimate returns the approximate token count of content, rounding up.
func Estimate(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + CharsPerToken - 1) / CharsPerToken
}
