package provider

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
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

// BOGConfig configures the Bank of Georgia provider. PublicKey is the PEM
// encoded key BOG signs callbacks with.
type BOGConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
	PublicKey    string
	AuthURL      string
	APIURL       string
	CallbackURL  string
	SuccessURL   string
	FailURL      string
	Timeout      time.Duration
}

// BOG accepts payments through the Bank of Georgia online payments API.
type BOG struct {
	client *http.Client
	cfg    BOGConfig
	key    *rsa.PublicKey
	tokens *tokenCache
}

// NewBOG creates a BOG provider. An unparsable public key is an error; an
// empty one leaves callbacks unverifiable and they are rejected.
func NewBOG(cfg BOGConfig) (*BOG, error) {
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://oauth2.bog.ge/auth/realms/bog/protocol/openid-connect/token"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.bog.ge/payments/v1"
	}
	b := &BOG{
		client: newHTTPClient(cfg.Timeout),
		cfg:    cfg,
	}
	if strings.TrimSpace(cfg.PublicKey) != "" {
		key, err := parseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, errors.Wrap(err, "parse bog public key")
		}
		b.key = key
	}
	b.tokens = &tokenCache{fetch: b.fetchToken, now: time.Now}
	return b, nil
}

func (b *BOG) Name() string { return payment.ProviderBOG }

// SignatureHeader implements payment.SignatureHeaderer.
func (b *BOG) SignatureHeader() string { return "Callback-Signature" }

func (b *BOG) fetchToken(ctx context.Context) (accessToken, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return accessToken{}, errors.Wrap(err, "create request")
	}
	req.SetBasicAuth(b.cfg.ClientID, b.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := do(b.client, req)
	if err != nil {
		return accessToken{}, err
	}
	return decodeToken(body, time.Now())
}

// Initiate creates a BOG order and returns its redirect link.
func (b *BOG) Initiate(ctx context.Context, o *order.Order) (*payment.Initiation, error) {
	token, err := b.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("callback_url")
	e.Str(b.cfg.CallbackURL)
	e.FieldStart("external_order_id")
	e.Str(o.ID)
	e.FieldStart("purchase_units")
	e.ObjStart()
	e.FieldStart("currency")
	e.Str(o.Currency)
	e.FieldStart("total_amount")
	e.Float64(o.Total.InexactFloat64())
	e.FieldStart("basket")
	e.ArrStart()
	for _, item := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		if item.SKU != "" {
			e.Str(item.SKU)
		} else {
			e.Str(item.Name)
		}
		e.FieldStart("description")
		e.Str(item.Name)
		e.FieldStart("quantity")
		e.Int(item.Quantity)
		e.FieldStart("unit_price")
		e.Float64(item.Price.InexactFloat64())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	e.FieldStart("redirect_urls")
	e.ObjStart()
	e.FieldStart("success")
	e.Str(expandOrderURL(b.cfg.SuccessURL, o))
	e.FieldStart("fail")
	e.Str(expandOrderURL(b.cfg.FailURL, o))
	e.ObjEnd()
	e.ObjEnd()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.APIURL+"/ecommerce/orders", bytes.NewReader(e.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", o.ID)

	body, err := do(b.client, req)
	if err != nil {
		return nil, errors.Wrap(err, "create bog order")
	}

	var res payment.Initiation
	if err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			v, err := d.Str()
			res.TransactionID = v
			return err
		case "_links":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "redirect" {
					return d.Skip()
				}
				return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					if string(key) != "href" {
						return d.Skip()
					}
					v, err := d.Str()
					res.PaymentURL = v
					return err
				})
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode bog order")
	}
	if res.TransactionID == "" || res.PaymentURL == "" {
		return nil, errors.New("bog order response missing id or redirect link")
	}
	return &res, nil
}

// HandleWebhook verifies the RSA SHA-256 signature of the raw callback body
// and maps the order status.
func (b *BOG) HandleWebhook(_ context.Context, payload []byte, signature string) (*payment.WebhookResult, error) {
	if b.key == nil {
		return nil, payment.ErrSignatureUnsupported
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) == 0 {
		return nil, payment.ErrSignatureInvalid
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(b.key, crypto.SHA256, digest[:], sig); err != nil {
		return nil, payment.ErrSignatureInvalid
	}

	cb, err := decodeBOGCallback(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", payment.ErrMalformedPayload, err.Error())
	}
	if cb.event != "" && cb.event != "order_payment" {
		return nil, errors.Errorf("unhandled bog event %q", cb.event)
	}
	if cb.externalID == "" {
		return nil, fmt.Errorf("%w: missing external_order_id", payment.ErrMalformedPayload)
	}

	res := &payment.WebhookResult{OrderID: cb.externalID, TransactionID: cb.orderID}
	switch cb.status {
	case "completed":
		res.Status = payment.OutcomeCompleted
	case "rejected":
		res.Status = payment.OutcomeFailed
	default:
		res.Status = payment.OutcomePending
	}
	return res, nil
}

type bogCallback struct {
	event      string
	orderID    string
	externalID string
	status     string
}

func decodeBOGCallback(payload []byte) (bogCallback, error) {
	var cb bogCallback
	err := jx.DecodeBytes(payload).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "event":
			v, err := d.Str()
			cb.event = v
			return err
		case "body":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				switch string(key) {
				case "order_id":
					v, err := d.Str()
					cb.orderID = v
					return err
				case "external_order_id":
					v, err := d.Str()
					cb.externalID = v
					return err
				case "order_status":
					return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
						if string(key) != "key" {
							return d.Skip()
						}
						v, err := d.Str()
						cb.status = v
						return err
					})
				default:
					return d.Skip()
				}
			})
		default:
			return d.Skip()
		}
	})
	return cb, err
}

func parseRSAPublicKey(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rk, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA key")
		}
		return rk, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse key")
	}
	return key, nil
}

var (
	_ payment.Provider          = (*BOG)(nil)
	_ payment.SignatureHeaderer = (*BOG)(nil)
)
