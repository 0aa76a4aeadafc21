// prompts.go - Prompts shared by all providers

package ai

import (
	"fmt"
	"strings"
)

// extractionPrompt instructs the model to read the document and return the
// fixed field set as JSON. Kept deliberately short: the response schema does
// the structural enforcement, the prompt only sets reading rules.
const extractionPrompt = `You are reading a scanned business document (receipt, invoice or statement).

Extract the following and return them as JSON:

1. "identifier": the primary company or account identifier printed on the
   document, exactly as written. This is usually the most prominent name or
   code near the top. If none is visible, return an empty string.
2. "amount": the main total amount on the document, digits and separators
   only, no currency symbol. Empty string if not present.
3. "date": the document date exactly as printed. Empty string if not present.
4. "raw_text": ALL visible text, read top to bottom, left to right, lines
   separated by newline (\n). Do not summarize or reformat.

Rules:
- Transcribe exactly what is printed. Never guess or invent values.
- Do not translate text.
- Return JSON only.`

// idMatchNone is the sentinel the model returns when no candidate is a
// clear match.
const idMatchNone = "NA"

// idMatchPrompt asks the model to pick the single reference identifier the
// extracted one refers to, or the sentinel when none clearly applies.
func idMatchPrompt(identifier string, candidates []string) string {
	var b strings.Builder
	b.WriteString(`You are a precise and silent identifier matching tool. Compare the target identifier against the candidate list.

Rules:
- If exactly one candidate is a clear, unambiguous match, return that candidate verbatim, exactly as it appears in the list.
- If no candidate clearly matches, or more than one could, return the exact string '` + idMatchNone + `'.
- Output ONLY the matched candidate or '` + idMatchNone + `'. No explanation, no preamble, no punctuation around it.

Candidates:
`)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	fmt.Fprintf(&b, "\nTarget identifier: %s\n", identifier)
	return b.String()
}

// parseIDMatchReply normalizes a raw id-match response to the chosen
// candidate, or "" when the model declined. Some models wrap even one-line
// answers in fences or quotes.
func parseIDMatchReply(payload string) string {
	reply := stripMarkdownFences(payload)
	reply = strings.Trim(reply, "'\"")
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, idMatchNone) {
		return ""
	}
	return reply
}
