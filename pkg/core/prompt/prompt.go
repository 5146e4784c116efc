// Package prompt builds the instruction text sent to the model: the system
// persona, the retrieved-context augmentation, and the greeting turn.
package prompt

import (
	"fmt"
	"strings"

	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// Composer renders prompts for one store.
type Composer struct {
	storeName string
}

// NewComposer creates a composer for the named store.
func NewComposer(storeName string) *Composer {
	if strings.TrimSpace(storeName) == "" {
		storeName = "the store"
	}
	return &Composer{storeName: storeName}
}

// SystemInstruction is the persona and tool policy for every conversation,
// text or voice.
func (c *Composer) SystemInstruction() string {
	return fmt.Sprintf(`You are the shopping assistant for %s. Help visitors find products that fit what they actually need.

When you decide a specific catalog product is right for the visitor, call the recommend_product tool with that product's id and a short reasoning grounded in what the visitor said. Recommend at most one product per reply, and only products you were told exist in the catalog. Keep replies brief and conversational.`, c.storeName)
}

// Augment prepends a compact listing of the retrieved products before the
// user's text. With no retrieved context the user text passes through
// unchanged.
func (c *Composer) Augment(userText string, results []types.RetrievalResult) string {
	if len(results) == 0 {
		return userText
	}

	var b strings.Builder
	b.WriteString("Products from the catalog that may match this request:\n")
	for _, r := range results {
		desc := strings.TrimSpace(r.Product.Description)
		if desc == "" {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Product.ID, r.Product.Name)
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", r.Product.ID, r.Product.Name, desc)
	}
	b.WriteString("Consider these while answering, but do not repeat the list back; recommend one only if it genuinely fits.\n\n")
	b.WriteString("Visitor: ")
	b.WriteString(userText)
	return b.String()
}

// Greeting is the instruction for the synthetic first turn: welcome the
// visitor and present the featured deal of the day.
func (c *Composer) Greeting(deal types.Product, hasDeal bool) string {
	if !hasDeal {
		return fmt.Sprintf("A visitor just opened the chat. Greet them warmly in one or two sentences and ask what they are shopping for at %s.", c.storeName)
	}
	return fmt.Sprintf(`A visitor just opened the chat. Greet them warmly in one or two sentences, then present today's featured deal: %s (id %s, %.2f). If it could suit them, call recommend_product for it; either way, invite them to say what they are looking for.`,
		deal.Name, deal.ID, deal.Price)
}
