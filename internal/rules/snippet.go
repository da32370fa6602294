package rules

const maxHighlight = 64

func snippet(value string) string {
	if len(value) <= maxHighlight {
		return value
	}
	return value[:maxHighlight]
}
