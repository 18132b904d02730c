// Package mail sends transactional order emails over SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/go-faster/errors"
	gomail "github.com/wneessen/go-mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/xenking/kart-commerce/internal/domain/order"
)

const defaultTimeout = 10 * time.Second

// Config configures the SMTP relay.
type Config struct {
	Addr     string
	Username string
	Password string
	From     string
	ShopName string
	// Timeout bounds one delivery, dial included.
	Timeout time.Duration
}

type sendFunc func(ctx context.Context, msg *gomail.Msg) error

// Mailer renders order emails from Markdown and relays them over SMTP.
type Mailer struct {
	cfg  Config
	send sendFunc
	md   goldmark.Markdown
	tmpl *template.Template
	now  func() time.Time
}

// New creates a Mailer.
func New(cfg Config) *Mailer {
	if cfg.ShopName == "" {
		cfg.ShopName = "Kart"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	tmpl := template.Must(template.New("confirmation").
		Funcs(template.FuncMap{"cell": escapeCell}).
		Parse(confirmationTemplate))
	m := &Mailer{
		cfg:  cfg,
		md:   goldmark.New(goldmark.WithExtensions(extension.GFM)),
		tmpl: tmpl,
		now:  time.Now,
	}
	m.send = m.deliver
	return m
}

const confirmationTemplate = `# Thank you for your order

Hi{{with .Name}} {{cell .}}{{end}}, we received order **{{.Number}}** and will let you know when it ships.

| Item | Qty | Price | Total |
|:-----|----:|------:|------:|
{{- range .Items}}
| {{cell .Name}} | {{.Quantity}} | {{.Price.StringFixed 2}} | {{.LineTotal.StringFixed 2}} |
{{- end}}

| | |
|:--|--:|
| Subtotal | {{.Subtotal.StringFixed 2}} |
{{- if .DiscountAmount.IsPositive}}
| Discount{{with .CouponCode}} ({{cell .}}){{end}} | -{{.DiscountAmount.StringFixed 2}} |
{{- end}}
| Shipping | {{.ShippingAmount.StringFixed 2}} |
| Tax | {{.TaxAmount.StringFixed 2}} |
| **Total** | **{{.Total.StringFixed 2}} {{.Currency}}** |
{{with .ShippingAddress}}
**Shipping to:** {{cell .Line1}}, {{cell .City}}, {{.Country}}
{{end}}`

// escapeCell keeps user text from breaking Markdown table and emphasis
// syntax.
func escapeCell(s string) string {
	return strings.NewReplacer(
		`\`, `\\`,
		"|", `\|`,
		"*", `\*`,
		"_", `\_`,
		"<", "&lt;",
		">", "&gt;",
		"\n", " ",
		"\r", " ",
	).Replace(s)
}

// Render returns the subject, Markdown source and HTML body of the
// confirmation email for o.
func (m *Mailer) Render(o *order.Order) (subject string, text, html []byte, err error) {
	var src bytes.Buffer
	if err := m.tmpl.Execute(&src, o); err != nil {
		return "", nil, nil, errors.Wrap(err, "execute template")
	}
	var out bytes.Buffer
	if err := m.md.Convert(src.Bytes(), &out); err != nil {
		return "", nil, nil, errors.Wrap(err, "render markdown")
	}
	subject = fmt.Sprintf("%s order %s confirmed", m.cfg.ShopName, o.Number)
	return subject, src.Bytes(), out.Bytes(), nil
}

// SendOrderConfirmation implements order.Mailer.
func (m *Mailer) SendOrderConfirmation(ctx context.Context, o *order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.Email == "" {
		return errors.New("order has no email")
	}
	subject, text, html, err := m.Render(o)
	if err != nil {
		return errors.Wrap(err, "render confirmation")
	}
	msg, err := m.compose(o.Email, subject, text, html)
	if err != nil {
		return errors.Wrap(err, "compose message")
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.send(ctx, msg); err != nil {
		return errors.Wrap(err, "send mail")
	}
	return nil
}

func (m *Mailer) compose(to, subject string, text, html []byte) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, errors.Wrap(err, "sender")
	}
	if err := msg.To(to); err != nil {
		return nil, errors.Wrap(err, "recipient")
	}
	msg.Subject(subject)
	msg.SetDateWithValue(m.now())
	msg.SetBodyString(gomail.TypeTextPlain, string(text))
	msg.AddAlternativeString(gomail.TypeTextHTML, string(html))
	return msg, nil
}

// deliver opens one SMTP session per message. STARTTLS is used when the
// relay offers it.
func (m *Mailer) deliver(ctx context.Context, msg *gomail.Msg) error {
	host, rawPort, err := net.SplitHostPort(m.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "parse relay address %q", m.cfg.Addr)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return errors.Wrapf(err, "parse relay port %q", rawPort)
	}

	opts := []gomail.Option{
		gomail.WithPort(port),
		gomail.WithTimeout(m.cfg.Timeout),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.Username),
			gomail.WithPassword(m.cfg.Password),
		)
	}
	client, err := gomail.NewClient(host, opts...)
	if err != nil {
		return errors.Wrap(err, "create smtp client")
	}
	return client.DialAndSendWithContext(ctx, msg)
}

var _ order.Mailer = (*Mailer)(nil)
