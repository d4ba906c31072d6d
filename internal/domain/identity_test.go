package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanonicalTitle(t *testing.T) {
	cases := map[string]string{
		"Sony WH-1000XM5 Wireless Headphones": "1000xm5 headphones sony wh wireless",
		"The LEGO Star Wars Set":              "lego set star wars",
		"A Gift for a Friend":                 "friend gift",
		"  Много   пробелов  ":                "много пробелов",
		"Twin twin TWIN":                      "twin twin twin",
		"":                                    "",
	}
	for input, expected := range cases {
		if got := CanonicalTitle(input); got != expected {
			t.Fatalf("ожидали %q, получили %q для %q", expected, got, input)
		}
	}
}

func TestIdentityPrefersCodes(t *testing.T) {
	obs := Observation{Title: "Sony WH-1000XM5", UPC: "027242923425", SKU: "SNY-XM5"}
	if got := obs.Identity(); got != "upc:027242923425" {
		t.Fatalf("ожидали отпечаток по UPC, получили %q", got)
	}

	obs.UPC = ""
	if got := obs.Identity(); got != "sku:sny-xm5" {
		t.Fatalf("ожидали отпечаток по SKU, получили %q", got)
	}

	obs.SKU = "  "
	if got := obs.Identity(); got != "1000xm5 sony wh" {
		t.Fatalf("ожидали отпечаток по названию, получили %q", got)
	}
}

func TestIdentityDiffersForDifferentCodes(t *testing.T) {
	first := Observation{Title: "Same Title", UPC: "111"}
	second := Observation{Title: "Same Title", UPC: "222"}
	if first.Identity() == second.Identity() {
		t.Fatalf("разные UPC не должны схлопываться в один отпечаток")
	}
}

func TestPriceBucket(t *testing.T) {
	unit := decimal.NewFromInt(1)
	cases := map[string]string{
		"249.99": "249",
		"249.00": "249",
		"250.01": "250",
		"0.99":   "0",
	}
	for raw, expected := range cases {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if got := PriceBucket(price, unit); got != expected {
			t.Fatalf("ожидали корзину %s для %s, получили %s", expected, raw, got)
		}
	}
}

func TestPriceBucketZeroUnit(t *testing.T) {
	price := decimal.RequireFromString("42.50")
	if got := PriceBucket(price, decimal.Zero); got != "42" {
		t.Fatalf("нулевая единица должна откатываться к 1, получили %s", got)
	}
}
