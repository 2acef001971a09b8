package normalizer

import (
	"testing"
)

func TestPrices(t *testing.T) {
	tests := []struct {
		name           string
		price          any
		wantCurrencies []string
		wantPrimary    float64
		wantSecondary  float64
	}{
		{
			name:           "gel only converts secondary",
			price:          map[string]any{"1": map[string]any{"price_total": 2700}},
			wantCurrencies: []string{"GEL"},
			wantPrimary:    2700,
			wantSecondary:  1000,
		},
		{
			name:           "usd only converts primary",
			price:          map[string]any{"2": map[string]any{"price_total": "100 000"}},
			wantCurrencies: []string{"USD"},
			wantPrimary:    270000,
			wantSecondary:  100000,
		},
		{
			name:           "eur only",
			price:          map[string]any{"3": map[string]any{"price_total": 1000}},
			wantCurrencies: []string{"EUR"},
			wantPrimary:    2950,
			wantSecondary:  1092.59,
		},
		{
			name: "preference order",
			price: map[string]any{
				"3": map[string]any{"price_total": 900},
				"2": map[string]any{"price_total": 1000},
				"1": map[string]any{"price_total": 2650},
			},
			wantCurrencies: []string{"GEL", "USD", "EUR"},
			wantPrimary:    2650,
			wantSecondary:  1000,
		},
		{
			name: "zero and unknown dropped",
			price: map[string]any{
				"1": map[string]any{"price_total": 0},
				"9": map[string]any{"price_total": 50},
				"2": map[string]any{"price_total": "n/a"},
			},
			wantCurrencies: []string{},
		},
		{
			name:           "wrong shape",
			price:          []any{1, 2},
			wantCurrencies: []string{},
		},
	}
	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := n.Normalize(rawFrom(t, map[string]any{"id": 1, "price": tt.price}))
			if len(rec.Prices) != len(tt.wantCurrencies) {
				t.Fatalf("expected %d prices, got %+v", len(tt.wantCurrencies), rec.Prices)
			}
			for i, cur := range tt.wantCurrencies {
				if rec.Prices[i].Currency != cur {
					t.Errorf("expected %s at %d, got %s", cur, i, rec.Prices[i].Currency)
				}
			}
			if rec.AmountPrimary != tt.wantPrimary {
				t.Errorf("expected primary %v, got %v", tt.wantPrimary, rec.AmountPrimary)
			}
			if rec.AmountSecondary != tt.wantSecondary {
				t.Errorf("expected secondary %v, got %v", tt.wantSecondary, rec.AmountSecondary)
			}
		})
	}
}

func TestParseNumbers(t *testing.T) {
	ints := []struct {
		in   string
		def  int
		want int
	}{
		{"12", 0, 12},
		{" 7 ", 0, 7},
		{"5+", 0, 5},
		{"1,200", 0, 1200},
		{"3.9", 0, 3},
		{"abc", 4, 4},
		{"", -1, -1},
		{"NaN", 2, 2},
	}
	for _, tt := range ints {
		if got := parseInt(tt.in, tt.def); got != tt.want {
			t.Errorf("parseInt(%q): expected %d, got %d", tt.in, tt.want, got)
		}
	}

	floats := []struct {
		in   string
		def  float64
		want float64
	}{
		{"85.5", 0, 85.5},
		{"1,234.5", 0, 1234.5},
		{"10 000", 0, 10000},
		{"m2", 1, 1},
		{"Inf", 0, 0},
	}
	for _, tt := range floats {
		if got := parseFloat(tt.in, tt.def); got != tt.want {
			t.Errorf("parseFloat(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain   text", "plain text"},
		{"a\tb\r\nc", "a b\nc"},
		{"x\x00y", "xy"},
		{"<div>one</div><div>two</div>", "one\ntwo"},
		{"<script>alert(1)</script>visible", "visible"},
		{"3 < 5 and 6 > 4", "3 < 5 and 6 > 4"},
		{"\n\n  \n", ""},
	}
	for _, tt := range tests {
		if got := cleanText(tt.in); got != tt.want {
			t.Errorf("cleanText(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
