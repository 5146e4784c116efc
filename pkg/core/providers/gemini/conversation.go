package gemini

import (
	"context"

	"google.golang.org/genai"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
)

// NewConversation opens a persistent chat session carrying the system
// instruction and the recommend tool declaration. History accumulates
// server-side in the chat handle for the life of the session.
func (c *Client) NewConversation(ctx context.Context, systemInstruction string) (chat.Conversation, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Tools:             []*genai.Tool{recommendTool()},
	}
	session, err := c.genai.Chats.Create(ctx, c.chatModel, cfg, nil)
	if err != nil {
		return nil, core.NewProviderError("gemini", err)
	}
	return &conversation{chat: session}, nil
}

type conversation struct {
	chat *genai.Chat
}

// Send submits one prompt and maps the response to reply text plus raw
// tool calls. Argument validation happens downstream; this layer only
// transports.
func (c *conversation) Send(ctx context.Context, prompt string) (*chat.Reply, error) {
	resp, err := c.chat.SendMessage(ctx, genai.Part{Text: prompt})
	if err != nil {
		return nil, core.NewProviderError("gemini", err)
	}

	reply := &chat.Reply{Text: resp.Text()}
	for _, fc := range resp.FunctionCalls() {
		if fc == nil {
			continue
		}
		reply.ToolCalls = append(reply.ToolCalls, chat.ToolCall{
			ID:   fc.ID,
			Name: fc.Name,
			Args: fc.Args,
		})
	}
	return reply, nil
}

// Close is a no-op: chat sessions hold no connection, only history.
func (c *conversation) Close() error { return nil }

// recommendTool declares the one structured action the model may take.
func recommendTool() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        chat.ToolRecommendProduct,
			Description: "Present one product from the store catalog to the visitor. Use only ids that appear in the provided catalog context.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					chat.ArgProductID: {
						Type:        genai.TypeString,
						Description: "Catalog id of the product to recommend.",
					},
					chat.ArgReasoning: {
						Type:        genai.TypeString,
						Description: "One sentence on why this product fits the visitor's request.",
					},
				},
				Required: []string{chat.ArgProductID, chat.ArgReasoning},
			},
		}},
	}
}
