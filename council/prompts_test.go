package council_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/council/council"
)

func TestReviewPromptPresentsResponsesInGivenOrder(t *testing.T) {
	prompt := council.ReviewPrompt("Why is the sky blue?", []council.AnonymousOpinion{
		{ID: 2, Text: "Rayleigh scattering."},
		{ID: 1, Text: "Because of the ocean."},
	})

	assert.Contains(t, prompt, "Original question: Why is the sky blue?")
	assert.Contains(t, prompt, "Here are ALL 2 responses from council members (anonymized):")
	assert.Contains(t, prompt, "BEGINNING OF RESPONSE 2:\nRayleigh scattering.\nEND OF RESPONSE 2.")
	assert.Contains(t, prompt, "BEGINNING OF RESPONSE 1:\nBecause of the ocean.\nEND OF RESPONSE 1.")
	assert.Contains(t, prompt, "rank ONLY these 2 responses with IDs: 2, 1")
	assert.Contains(t, prompt, "must be one of: 2, 1")
	assert.Contains(t, prompt, "Response [ID]: [Score]/10 - [Justification]")
}

func TestSynthesisPromptAttributesContributions(t *testing.T) {
	prompt := council.SynthesisPrompt("Why is the sky blue?",
		[]council.Opinion{
			{Model: "llama3.2", Response: "Scattering of sunlight."},
			{Model: "gemma3:1b", Response: "Blue light scatters most."},
		},
		[]council.Review{
			{Model: "llama3.2", Review: "Response 2 is best."},
		})

	assert.Contains(t, prompt, "Original question: Why is the sky blue?")
	assert.Contains(t, prompt, "Response from llama3.2:\nScattering of sunlight.")
	assert.Contains(t, prompt, "Response from gemma3:1b:\nBlue light scatters most.")
	assert.Contains(t, prompt, "Review by llama3.2:\nResponse 2 is best.")
	assert.Contains(t, prompt, "As Chairman, please synthesize")
}

func TestChairmanSystemPromptCountsAnswers(t *testing.T) {
	assert.Contains(t, council.ChairmanSystemPrompt(2), "written by 2 models")
	assert.Contains(t, council.ChairmanSystemPrompt(5), "written by 5 models")
}
