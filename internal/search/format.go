package search

import (
	"fmt"
	"strings"
)

// Format renders resp as markdown: the abstract with its source, a
// definition, numbered related links and a direct answer, in that order.
// An empty response yields a hint to rephrase rather than an empty string,
// so the model has something to tell the user.
func Format(query string, resp *Response) string {
	if resp.Empty() {
		return noResults(query)
	}

	var b strings.Builder
	if resp.Abstract != "" {
		heading := resp.Heading
		if heading == "" {
			heading = "Result"
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", heading, resp.Abstract)
		if resp.AbstractURL != "" {
			fmt.Fprintf(&b, "Source: %s\n\n", resp.AbstractURL)
		}
	}

	if resp.Definition != "" {
		fmt.Fprintf(&b, "**Definition**: %s\n\n", resp.Definition)
		if resp.DefinitionURL != "" {
			fmt.Fprintf(&b, "Source: %s\n\n", resp.DefinitionURL)
		}
	}

	if len(resp.Results) > 0 {
		b.WriteString("## Related Information:\n\n")
		for i, r := range resp.Results {
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, r.Title, r.URL)
			if r.Snippet != "" {
				fmt.Fprintf(&b, "   %s\n", r.Snippet)
			}
		}
		b.WriteString("\n")
	}

	if resp.Answer != "" {
		fmt.Fprintf(&b, "**Answer**: %s\n\n", resp.Answer)
	}

	return b.String()
}

func noResults(query string) string {
	return fmt.Sprintf("I searched for '%s' but didn't find specific results. You might want to try:\n\n"+
		"1. Rephrasing your query\n"+
		"2. Using more specific terms\n"+
		"3. Checking the spelling\n\n"+
		"Example searches that work well:\n"+
		"- 'rust programming language'\n"+
		"- 'machine learning definition'\n"+
		"- 'how to install nodejs'", query)
}
