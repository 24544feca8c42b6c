package analysis

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"receiptly/internal/logger"
	"receiptly/internal/models"

	"github.com/shopspring/decimal"
)

var (
	openFence  = regexp.MustCompile("```(?:json|JSON)?\\s*")
	closeFence = regexp.MustCompile("```\\s*$")
	jsonObject = regexp.MustCompile(`(?s)\{.*\}`)
)

// dateLayouts are tried in order when coercing the reply's date.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02 Jan 2006",
}

// parse turns the model text into a Result. It never fails.
func (c *Client) parse(text string) *Result {
	cleaned := cleanReply(text)

	fields, ok := decodeObject(cleaned)
	if !ok {
		if match := jsonObject.FindString(cleaned); match != "" && match != cleaned {
			fields, ok = decodeObject(match)
		}
	}
	if !ok {
		logger.Get().Warnw("analysis reply is not valid JSON, using fallback",
			"response", truncate(cleaned, 512),
		)
		res := c.fallback()
		res.Raw = text
		return res
	}

	res := coerce(fields)
	res.Raw = text
	return res
}

func (c *Client) fallback() *Result {
	vendor := FallbackVendorName
	today := c.now().Format("2006-01-02")
	return &Result{
		VendorName: &vendor,
		Date:       &today,
		Category:   models.CategorySlugOther,
		Confidence: FallbackConfidence,
		Items:      []Item{},
		Fallback:   true,
	}
}

func cleanReply(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = openFence.ReplaceAllString(text, "")
	text = closeFence.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func decodeObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return fields, true
}

func coerce(fields map[string]any) *Result {
	res := &Result{
		VendorName: coerceVendor(fields["vendor_name"]),
		Date:       coerceDate(fields["date"]),
		Category:   coerceCategory(fields["category"]),
		Confidence: coerceConfidence(fields["confidence"]),
		Items:      coerceItems(fields["items"]),
	}
	if amount, ok := numeric(fields["amount"]); ok && !amount.IsNegative() {
		amount = amount.Round(2)
		if amount.LessThanOrEqual(MaxAmount) {
			res.Amount = &amount
		}
	}
	return res
}

func coerceVendor(v any) *string {
	s := coerceString(v)
	if s == nil {
		return nil
	}
	if r := []rune(*s); len(r) > MaxVendorNameLength {
		trimmed := strings.TrimSpace(string(r[:MaxVendorNameLength]))
		return &trimmed
	}
	return s
}

func coerceString(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// numeric accepts JSON numbers and numeric strings.
func numeric(v any) (decimal.Decimal, bool) {
	var raw string
	switch n := v.(type) {
	case json.Number:
		raw = n.String()
	case string:
		raw = strings.TrimSpace(n)
	case float64:
		return decimal.NewFromFloat(n), true
	default:
		return decimal.Decimal{}, false
	}
	if raw == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func coerceDate(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			out := t.Format("2006-01-02")
			return &out
		}
	}
	return nil
}

func coerceCategory(v any) string {
	s, ok := v.(string)
	if !ok {
		return models.CategorySlugOther
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !models.IsCategorySlug(s) {
		return models.CategorySlugOther
	}
	return s
}

// coerceConfidence defaults non-numeric values and clamps to [0, 1].
func coerceConfidence(v any) float64 {
	d, ok := numeric(v)
	if !ok {
		return DefaultConfidence
	}
	d = d.Round(2)
	switch {
	case d.LessThan(decimal.Zero):
		return 0
	case d.GreaterThan(decimal.NewFromInt(1)):
		return 1
	}
	f, _ := d.Float64()
	return f
}

func coerceItems(v any) []Item {
	list, ok := v.([]any)
	if !ok {
		return []Item{}
	}
	if len(list) > MaxItems {
		list = list[:MaxItems]
	}
	items := make([]Item, 0, len(list))
	for _, entry := range list {
		obj, _ := entry.(map[string]any)
		item := Item{
			Name:     obj["name"],
			Quantity: obj["quantity"],
		}
		if price, ok := numeric(obj["price"]); ok {
			item.Price = &price
		}
		items = append(items, item)
	}
	return items
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
