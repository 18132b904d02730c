package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// maxBodySize caps request bodies, webhook payloads included.
const maxBodySize = 1 << 20

// errBadRequest marks malformed request input.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return errors.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(msg)
		e.ObjEnd()
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	return body, nil
}

// decodeObject reads a JSON object from the request body, calling field for
// every key.
func decodeObject(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return badRequest("empty body")
	}
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	}); err != nil {
		if errors.Is(err, errBadRequest) {
			return err
		}
		return badRequest("%v", err)
	}
	return nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, badRequest("invalid decimal %q", s)
		}
		return v, nil
	case jx.Number:
		f, err := d.Float64()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromFloat(f), nil
	default:
		return decimal.Zero, badRequest("expected decimal, got %s", d.Next())
	}
}

func decodeOptDecimal(d *jx.Decoder) (*decimal.Decimal, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	v, err := decodeDecimal(d)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptString(d *jx.Decoder) (*string, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeOptInt(d *jx.Decoder) (*int, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	n, err := d.Int()
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func decodeOptTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, badRequest("invalid time %q", s)
	}
	return &t, nil
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return n, nil
}

func encodeMoney(e *jx.Encoder, name string, v decimal.Decimal) {
	e.FieldStart(name)
	e.Str(v.StringFixed(2))
}

func encodeOptMoney(e *jx.Encoder, name string, v *decimal.Decimal) {
	e.FieldStart(name)
	if v == nil {
		e.Null()
		return
	}
	e.Str(v.StringFixed(2))
}

func encodeOptString(e *jx.Encoder, name string, v *string) {
	e.FieldStart(name)
	if v == nil {
		e.Null()
		return
	}
	e.Str(*v)
}

func encodeOptInt(e *jx.Encoder, name string, v *int) {
	e.FieldStart(name)
	if v == nil {
		e.Null()
		return
	}
	e.Int(*v)
}

func encodeTime(e *jx.Encoder, name string, t time.Time) {
	e.FieldStart(name)
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeStrings(e *jx.Encoder, name string, vs []string) {
	e.FieldStart(name)
	e.ArrStart()
	for _, v := range vs {
		e.Str(v)
	}
	e.ArrEnd()
}
