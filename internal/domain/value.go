package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// UnavailableText is the literal an MTConnect agent reports for an
// observation it cannot currently provide. It is preserved on disk verbatim.
const UnavailableText = "UNAVAILABLE"

type ValueKind uint8

const (
	KindUnavailable ValueKind = iota
	KindNumber
	KindText
)

// Value is one observation: a numeric or textual scalar, or the explicit
// unavailable sentinel. The zero Value is unavailable.
type Value struct {
	kind ValueKind
	num  float64
	text string
}

func Number(v float64) Value { return Value{kind: KindNumber, num: v} }

func Text(s string) Value {
	if s == UnavailableText {
		return Unavailable()
	}
	return Value{kind: KindText, text: s}
}

func Unavailable() Value { return Value{kind: KindUnavailable} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsUnavailable() bool { return v.kind == KindUnavailable }

func (v Value) Number() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) Text() (string, bool) { return v.text, v.kind == KindText }

func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.num == o.num && v.text == o.text
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindText:
		return v.text
	default:
		return UnavailableText
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindText:
		return json.Marshal(v.text)
	default:
		return json.Marshal(UnavailableText)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Unavailable()
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("field value: %w", err)
	}
	*v = Number(f)
	return nil
}
