package chat

import (
	"strings"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
)

// The one structured action the model may invoke.
const (
	ToolRecommendProduct = "recommend_product"

	ArgProductID = "productId"
	ArgReasoning = "reasoning"
)

// RecommendArgs is the validated payload of a recommend_product call.
type RecommendArgs struct {
	ProductID string
	Reasoning string
}

// DecodeRecommend validates a raw tool call into a typed record. Payloads
// that fail validation are rejected here rather than trusted downstream;
// the caller treats a rejected call as if it had not occurred.
func DecodeRecommend(call ToolCall) (RecommendArgs, error) {
	if call.Name != ToolRecommendProduct {
		return RecommendArgs{}, core.NewInvalidRequestErrorWithParam(
			"unknown tool "+call.Name, "name")
	}

	productID, err := requiredString(call.Args, ArgProductID)
	if err != nil {
		return RecommendArgs{}, err
	}
	reasoning, err := requiredString(call.Args, ArgReasoning)
	if err != nil {
		return RecommendArgs{}, err
	}

	return RecommendArgs{ProductID: productID, Reasoning: reasoning}, nil
}

func requiredString(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", core.NewInvalidRequestErrorWithParam(key+" is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", core.NewInvalidRequestErrorWithParam(key+" must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", core.NewInvalidRequestErrorWithParam(key+" must not be empty", key)
	}
	return s, nil
}
