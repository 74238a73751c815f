package oracle

// Approximate cost per 1M tokens (USD). Models missing from the table cost
// zero; the cost ceiling then only bounds models we know how to price,
// which is surfaced at startup as a warning by the CLI.
var modelCosts = map[string]struct{ input, output float64 }{
	"deepseek/deepseek-chat":      {0.14, 0.28},
	"google/gemini-2.0-flash-exp": {0.10, 0.40},
	"gpt-4o-mini":                 {0.15, 0.60},
	"gpt-4o":                      {2.50, 10.00},
	"claude-3-5-haiku-20241022":   {0.80, 4.00},
	"claude-3-5-sonnet-20241022":  {3.00, 15.00},
}

// Cost computes the USD spend of one call from its token counts. Unknown
// models cost zero.
func Cost(model string, promptTokens, completionTokens int) float64 {
	c, ok := modelCosts[model]
	if !ok {
		return 0
	}
	return c.input*float64(promptTokens)/1e6 + c.output*float64(completionTokens)/1e6
}

// Priced reports whether a model has an entry in the cost table.
func Priced(model string) bool {
	_, ok := modelCosts[model]
	return ok
}
