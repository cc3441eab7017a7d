package pipeline

import (
	"fmt"
	"strings"
	"time"
)

func buildRewritePrompt(history, utterance string) string {
	return strings.Join([]string{
		"You rewrite conversational messages into standalone web search queries.",
		"Use the conversation so far to resolve pronouns and implicit references.",
		"Respond with the search query only. No explanations, no quotes.",
		"",
		"Previous user messages:",
		history,
		"",
		fmt.Sprintf("Current user message: %s", utterance),
		"",
		"Search query:",
	}, "\n")
}

func buildClassificationPrompt(history, utterance string) string {
	return strings.Join([]string{
		"Classify the user's current message along five dimensions.",
		"Respond with a single comma-separated list of KEY:VALUE pairs and nothing else.",
		"Keys:",
		"- SEARCH_NEEDED: a web search would improve the answer.",
		"- SEARCH_IMAGE: image results would help the user.",
		"- SEARCH_VIDEO: video results would help the user.",
		"- CONTENT_VIOLATION: the message asks for harmful or disallowed content.",
		"- MATH: answering involves mathematical notation or calculation.",
		"Every VALUE is YES or NO.",
		"Example: SEARCH_NEEDED:YES,SEARCH_IMAGE:NO,SEARCH_VIDEO:NO,CONTENT_VIOLATION:NO,MATH:NO",
		"",
		"Previous user messages:",
		history,
		"",
		fmt.Sprintf("Current user message: %s", utterance),
	}, "\n")
}

// buildAnswerPrompt assembles the system prompt for answer synthesis. The
// retrieved documents are labeled Document: 1..n in search-ranking order;
// the citation format in the instructions refers back to those labels.
func buildAnswerPrompt(persona, history string, docs []string, now time.Time) string {
	var grounding strings.Builder
	for i, doc := range docs {
		fmt.Fprintf(&grounding, "Document: %d\n%s\n\n", i+1, doc)
	}

	return strings.Join([]string{
		persona,
		"## Safety Preamble",
		"Refuse requests for content that is dangerous, hateful, or that sexualizes minors. Keep refusals brief and polite.",
		"## Query type specifications",
		"Give factual questions a direct answer first, then supporting detail. Give how-to questions ordered steps. Give opinion questions a balanced summary of the viewpoints found in the documents.",
		"## Formatting Instructions",
		"Use Markdown. Prefer short paragraphs. Use bullet lists for enumerations and fenced code blocks for code. Use LaTeX inside $ delimiters for mathematical expressions.",
		"## Citation Instructions",
		"Cite the documents supporting each claim with bracketed indices like [1][2]. The index refers to the document order below. Never fabricate a citation for a claim the documents do not support.",
		fmt.Sprintf("Current date: %s", now.Format(time.RFC3339)),
		"## Retrieved Documents",
		grounding.String(),
		"## Previous user messages",
		history,
	}, "\n\n")
}

// Fixed trailing instruction block sent as the final system message of
// every synthesis request.
const answerInstructions = "Carefully perform the following instructions in order. " +
	"First, decide whether the user's latest query violates the Safety Preamble; if it does, reject it. " +
	"Second, decide which of the retrieved documents are relevant to the user's latest query. " +
	"Third, decide which of those documents contain facts that a good answer should cite. " +
	"Fourth, ground your answer on the retrieved documents without copying any markup from them. " +
	"When retrieved documents are relevant, give their information priority over your training data. " +
	"Write accurately in a journalistic tone and cite sources inline using the bracket format [1][2], where the numbers refer back to the document order. " +
	"You MUST follow the Query type specifications, Formatting Instructions and Citation Instructions. " +
	"Now answer the user's latest query using the same language they used."
