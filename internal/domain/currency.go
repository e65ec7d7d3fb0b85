package domain

import "strings"

// Currency is an ISO 4217 code from the set of currencies the rates source quotes.
type Currency string

const (
	AUD Currency = "AUD"
	BGN Currency = "BGN"
	BRL Currency = "BRL"
	CAD Currency = "CAD"
	CHF Currency = "CHF"
	CNY Currency = "CNY"
	CZK Currency = "CZK"
	DKK Currency = "DKK"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	HKD Currency = "HKD"
	HUF Currency = "HUF"
	IDR Currency = "IDR"
	ILS Currency = "ILS"
	INR Currency = "INR"
	ISK Currency = "ISK"
	JPY Currency = "JPY"
	KRW Currency = "KRW"
	MXN Currency = "MXN"
	MYR Currency = "MYR"
	NOK Currency = "NOK"
	NZD Currency = "NZD"
	PHP Currency = "PHP"
	PLN Currency = "PLN"
	RON Currency = "RON"
	SEK Currency = "SEK"
	SGD Currency = "SGD"
	THB Currency = "THB"
	TRY Currency = "TRY"
	USD Currency = "USD"
	ZAR Currency = "ZAR"
)

var supportedCurrencies = map[Currency]struct{}{
	AUD: {}, BGN: {}, BRL: {}, CAD: {}, CHF: {}, CNY: {}, CZK: {}, DKK: {},
	EUR: {}, GBP: {}, HKD: {}, HUF: {}, IDR: {}, ILS: {}, INR: {}, ISK: {},
	JPY: {}, KRW: {}, MXN: {}, MYR: {}, NOK: {}, NZD: {}, PHP: {}, PLN: {},
	RON: {}, SEK: {}, SGD: {}, THB: {}, TRY: {}, USD: {}, ZAR: {},
}

// ParseCurrency normalises raw and checks it against the supported set.
func ParseCurrency(raw string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", NewError(ErrCodeInvalidCurrency, "unsupported currency: "+raw)
	}
	return c, nil
}

func (c Currency) Valid() bool {
	_, ok := supportedCurrencies[c]
	return ok
}

func (c Currency) String() string {
	return string(c)
}
