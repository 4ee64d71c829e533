package anthropic

import "strings"

// DefaultMaxTokens applies to models missing from the limit table.
const DefaultMaxTokens = 4096

// maxOutputTokens is keyed by model id prefix; the longest matching key wins.
var maxOutputTokens = map[string]int{
	"claude-3-haiku":    4096,
	"claude-3-sonnet":   4096,
	"claude-3-opus":     4096,
	"claude-3-5-haiku":  8192,
	"claude-3-5-sonnet": 8192,
	"claude-3-7-sonnet": 64000,
	"claude-sonnet-4":   64000,
	"claude-opus-4":     32000,
}

// catalog lists the dated model ids reported by Models.
var catalog = []string{
	"claude-opus-4-20250514",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
	"claude-3-haiku-20240307",
}

// MaxTokensLimit resolves the output ceiling for a model by longest key prefix.
func MaxTokensLimit(model string) int {
	best, limit := "", DefaultMaxTokens
	for prefix, value := range maxOutputTokens {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, limit = prefix, value
		}
	}
	return limit
}

// ResolveMaxTokens returns the requested value clamped to the model's limit,
// or the limit itself when nothing was requested.
func ResolveMaxTokens(model string, requested *int) int {
	limit := MaxTokensLimit(model)
	if requested == nil || *requested <= 0 {
		return limit
	}
	return min(*requested, limit)
}
