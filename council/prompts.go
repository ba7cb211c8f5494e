package council

import (
	"fmt"
	"strconv"
	"strings"
)

// AssistantSystemPrompt returns the system prompt members answer under in the
// opinion stage.
func AssistantSystemPrompt() string {
	return "You are a helpful and knowledgeable AI assistant." +
		"Provide a thoughtful and accurate response to the user's query." +
		"Veracity, accuracy and insight are the top priority. Try to be concise. Consistency is important."
}

// ReviewerSystemPrompt returns the system prompt members review under in the
// peer-review stage.
func ReviewerSystemPrompt() string {
	return "You are a critical evaluator in a council. Review and rank ONLY the responses provided. " +
		"Do not invent or reference responses that are not explicitly shown. " +
		"Try to be concise and objective in your evaluations."
}

// ChairmanSystemPrompt returns the system prompt for the synthesis stage.
// answerCount is the number of peer-reviewed answers being synthesized.
func ChairmanSystemPrompt(answerCount int) string {
	return "You are the Chairman of a council. Your role is to synthesize " +
		fmt.Sprintf("multiple peer-reviewed answers written by %d models into a single comprehensive and accurate final answer. ", answerCount) +
		"Consider all viewpoints and the reviews provided. Do not add new exclusive information."
}

// ReviewPrompt builds the peer-review request. Every reviewer receives the
// same anonymized responses in the same order so rankings are comparable.
func ReviewPrompt(query string, responses []AnonymousOpinion) string {
	blocks := make([]string, len(responses))
	ids := make([]string, len(responses))
	for i, r := range responses {
		blocks[i] = fmt.Sprintf("BEGINNING OF RESPONSE %d:\n%s\nEND OF RESPONSE %d.", r.ID, r.Text, r.ID)
		ids[i] = strconv.Itoa(r.ID)
	}
	responsesText := strings.Join(blocks, "\n\n")
	idsList := strings.Join(ids, ", ")

	return fmt.Sprintf(`Original question: %s

Here are ALL %d responses from council members (anonymized):

%s

IMPORTANT: You must rank ONLY these %d responses with IDs: %s
Do NOT create rankings for any other response IDs.
Provide your ranking and brief justification based on accuracy and insight. Try to be concise.
Consistency is important.

Please rank these responses from best to worst. For each response, provide:
1. The response ID (must be one of: %s)
2. Your score (1-10)
3. Brief justification

Format your answer as:
Response [ID]: [Score]/10 - [Justification]
`, query, len(responses), responsesText, len(responses), idsList, idsList)
}

// SynthesisPrompt builds the chairman request from the attributed opinions
// and reviews.
func SynthesisPrompt(query string, opinions []Opinion, reviews []Review) string {
	responseBlocks := make([]string, len(opinions))
	for i, op := range opinions {
		responseBlocks[i] = fmt.Sprintf("Response from %s:\n%s", op.Model, op.Response)
	}
	reviewBlocks := make([]string, len(reviews))
	for i, rv := range reviews {
		reviewBlocks[i] = fmt.Sprintf("Review by %s:\n%s", rv.Model, rv.Review)
	}

	return fmt.Sprintf(`Original question: %s

Council member responses:
%s

Peer reviews:
%s

As Chairman, please synthesize these responses, ranking and reviews into a single
comprehensive final answer. You should only synthesize responses and not generate your own opinions.`,
		query, strings.Join(responseBlocks, "\n\n"), strings.Join(reviewBlocks, "\n\n"))
}
