package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-commerce/internal/domain/order"
	"github.com/xenking/kart-commerce/internal/domain/payment"
)

// TBCConfig configures the TBC Pay provider.
type TBCConfig struct {
	Enabled      bool
	APIKey       string
	ClientID     string
	ClientSecret string
	APIURL       string
	CallbackURL  string
	ReturnURL    string
	Timeout      time.Duration
}

// TBC accepts payments through TBC Pay. Callbacks are unsigned, so each one
// is confirmed by fetching the payment from the API.
type TBC struct {
	client *http.Client
	cfg    TBCConfig
	tokens *tokenCache
}

// NewTBC creates a TBC provider.
func NewTBC(cfg TBCConfig) *TBC {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.tbcbank.ge/v1/tpay"
	}
	t := &TBC{
		client: newHTTPClient(cfg.Timeout),
		cfg:    cfg,
	}
	t.tokens = &tokenCache{fetch: t.fetchToken, now: time.Now}
	return t
}

func (t *TBC) Name() string { return payment.ProviderTBC }

func (t *TBC) configured() bool {
	return t.cfg.APIKey != "" && t.cfg.ClientID != "" && t.cfg.ClientSecret != ""
}

func (t *TBC) fetchToken(ctx context.Context) (accessToken, error) {
	form := url.Values{
		"client_id":     {t.cfg.ClientID},
		"client_secret": {t.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIURL+"/access-token", strings.NewReader(form.Encode()))
	if err != nil {
		return accessToken{}, errors.Wrap(err, "create request")
	}
	req.Header.Set("apikey", t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := do(t.client, req)
	if err != nil {
		return accessToken{}, err
	}
	return decodeToken(body, time.Now())
}

func (t *TBC) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	token, err := t.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, t.cfg.APIURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("apikey", t.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Initiate creates a TBC payment and returns its approval link.
func (t *TBC) Initiate(ctx context.Context, o *order.Order) (*payment.Initiation, error) {
	if !t.configured() {
		return nil, errors.New("tbc api credentials not configured")
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("amount")
	e.ObjStart()
	e.FieldStart("currency")
	e.Str(o.Currency)
	e.FieldStart("total")
	e.Float64(o.Total.InexactFloat64())
	e.FieldStart("subTotal")
	e.Float64(o.Subtotal.InexactFloat64())
	e.FieldStart("tax")
	e.Float64(o.TaxAmount.InexactFloat64())
	e.FieldStart("shipping")
	e.Float64(o.ShippingAmount.InexactFloat64())
	e.ObjEnd()
	e.FieldStart("returnurl")
	e.Str(expandOrderURL(t.cfg.ReturnURL, o))
	e.FieldStart("callbackUrl")
	e.Str(t.cfg.CallbackURL)
	e.FieldStart("merchantPaymentId")
	e.Str(o.ID)
	e.FieldStart("description")
	e.Str("Order " + o.Number)
	e.ObjEnd()

	req, err := t.newRequest(ctx, http.MethodPost, "/payments", e.Bytes())
	if err != nil {
		return nil, err
	}
	body, err := do(t.client, req)
	if err != nil {
		return nil, errors.Wrap(err, "create tbc payment")
	}

	var res payment.Initiation
	if err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "payId":
			v, err := d.Str()
			res.TransactionID = v
			return err
		case "links":
			return d.Arr(func(d *jx.Decoder) error {
				var uri, rel string
				if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					switch string(key) {
					case "uri":
						v, err := d.Str()
						uri = v
						return err
					case "rel":
						v, err := d.Str()
						rel = v
						return err
					default:
						return d.Skip()
					}
				}); err != nil {
					return err
				}
				if rel == "approval_url" {
					res.PaymentURL = uri
				}
				return nil
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode tbc payment")
	}
	if res.TransactionID == "" || res.PaymentURL == "" {
		return nil, errors.New("tbc payment response missing payId or approval link")
	}
	return &res, nil
}

// HandleWebhook reads the payment id from the callback and trusts only the
// status returned by the TBC API for it.
func (t *TBC) HandleWebhook(ctx context.Context, payload []byte, _ string) (*payment.WebhookResult, error) {
	if !t.configured() {
		return nil, payment.ErrSignatureUnsupported
	}

	var payID string
	if err := jx.DecodeBytes(payload).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "PaymentId" {
			return d.Skip()
		}
		v, err := d.Str()
		payID = v
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: %s", payment.ErrMalformedPayload, err.Error())
	}
	if payID == "" {
		return nil, fmt.Errorf("%w: missing PaymentId", payment.ErrMalformedPayload)
	}

	req, err := t.newRequest(ctx, http.MethodGet, "/payments/"+url.PathEscape(payID), nil)
	if err != nil {
		return nil, err
	}
	body, err := do(t.client, req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch tbc payment")
	}

	var status, orderID string
	if err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			v, err := d.Str()
			status = v
			return err
		case "merchantPaymentId":
			v, err := d.Str()
			orderID = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode tbc payment")
	}
	if orderID == "" {
		return nil, errors.Errorf("tbc payment %s has no merchant payment id", payID)
	}

	res := &payment.WebhookResult{OrderID: orderID, TransactionID: payID}
	switch status {
	case "Succeeded":
		res.Status = payment.OutcomeCompleted
	case "Failed", "Expired", "Returned", "Cancelled", "Rejected":
		res.Status = payment.OutcomeFailed
	default:
		res.Status = payment.OutcomePending
	}
	return res, nil
}

var _ payment.Provider = (*TBC)(nil)
