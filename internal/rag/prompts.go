package rag

import (
	"fmt"

	"github.com/atlas-kb/atlas/internal/llm"
	"github.com/atlas-kb/atlas/internal/storage"
)

const groundedSystemPrompt = `You are a knowledgeable assistant. Answer the user's question using the reference material below. When the material does not cover the question, say so rather than guessing. Answer in the language of the question.

Reference material:

%s`

const ungroundedSystemPrompt = `You are a knowledgeable assistant. No reference material is available for this conversation, so answer from general knowledge and say when you are unsure.`

// BuildMessages produces the chat request: a system prompt carrying the
// retrieved context, the conversation history (already trimmed by the
// caller), and the current question.
func BuildMessages(rctx *Context, history []storage.Message, question string) []llm.Message {
	system := ungroundedSystemPrompt
	if rctx != nil && rctx.Text != "" {
		system = fmt.Sprintf(groundedSystemPrompt, rctx.Text)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == storage.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: question})
}
