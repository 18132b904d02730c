package provider

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/xenking/kart-commerce/internal/domain/order"
	"github.com/xenking/kart-commerce/internal/domain/payment"
)

// CashOnDelivery settles the payment when the parcel is handed over. It has
// no redirect and no callbacks.
type CashOnDelivery struct{}

func (CashOnDelivery) Name() string { return payment.ProviderCashOnDelivery }

func (CashOnDelivery) Initiate(context.Context, *order.Order) (*payment.Initiation, error) {
	return &payment.Initiation{TransactionID: "cod_" + ulid.Make().String()}, nil
}

func (CashOnDelivery) HandleWebhook(context.Context, []byte, string) (*payment.WebhookResult, error) {
	return nil, payment.ErrSignatureUnsupported
}

var _ payment.Provider = CashOnDelivery{}
