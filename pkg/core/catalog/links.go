package catalog

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentlink"
	"github.com/stripe/stripe-go/v84/price"
	"github.com/stripe/stripe-go/v84/product"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// LinkProvider mints an outbound purchase link for a product that does not
// carry one in the source catalog.
type LinkProvider interface {
	PurchaseLink(ctx context.Context, p types.Product) (string, error)
}

// StripeLinks provisions Stripe Payment Links: one product + one price +
// one payment link per catalog entry.
type StripeLinks struct {
	currency string
}

// NewStripeLinks configures the Stripe client. The currency is a lowercase
// ISO code such as "usd".
func NewStripeLinks(apiKey, currency string) (*StripeLinks, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, core.NewConfigError("stripe API key is not set")
	}
	if strings.TrimSpace(currency) == "" {
		currency = "usd"
	}
	stripe.Key = apiKey
	return &StripeLinks{currency: strings.ToLower(currency)}, nil
}

// PurchaseLink creates the Stripe objects backing a hosted payment link and
// returns its URL.
func (s *StripeLinks) PurchaseLink(ctx context.Context, p types.Product) (string, error) {
	prodParams := &stripe.ProductParams{
		Name: stripe.String(p.Name),
	}
	prodParams.Context = ctx
	prodParams.AddMetadata("catalog_id", p.ID)
	if d := strings.TrimSpace(p.Description); d != "" {
		prodParams.Description = stripe.String(d)
	}
	prod, err := product.New(prodParams)
	if err != nil {
		return "", core.NewProviderError("stripe", err)
	}

	priceParams := &stripe.PriceParams{
		Product:    stripe.String(prod.ID),
		Currency:   stripe.String(s.currency),
		UnitAmount: stripe.Int64(int64(math.Round(p.Price * 100))),
	}
	priceParams.Context = ctx
	pr, err := price.New(priceParams)
	if err != nil {
		return "", core.NewProviderError("stripe", err)
	}

	linkParams := &stripe.PaymentLinkParams{
		LineItems: []*stripe.PaymentLinkLineItemParams{
			{Price: stripe.String(pr.ID), Quantity: stripe.Int64(1)},
		},
	}
	linkParams.Context = ctx
	link, err := paymentlink.New(linkParams)
	if err != nil {
		return "", core.NewProviderError("stripe", err)
	}
	return link.URL, nil
}

// FillPurchaseLinks mints links for products that have none. Link failures
// are logged and leave the link empty; catalog load never fails because of
// link provisioning.
func FillPurchaseLinks(ctx context.Context, products []types.Product, provider LinkProvider, logger *slog.Logger) {
	if provider == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	for i := range products {
		if strings.TrimSpace(products[i].PurchaseURL) != "" {
			continue
		}
		url, err := provider.PurchaseLink(ctx, products[i])
		if err != nil {
			logger.Warn("purchase link provisioning failed",
				"product_id", products[i].ID, "error", err)
			continue
		}
		products[i].PurchaseURL = url
	}
}
