package pricing

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Languages that write the currency symbol after the amount ("45 €").
var symbolAfter = map[string]bool{
	"es": true, "fr": true, "de": true, "it": true, "pt": true, "nl": true,
}

// FormatPrice renders a minor-unit amount for tag. Whole amounts have no
// decimals, others two. Unknown currencies fall back to "12.50 XYZ".
func FormatPrice(tag language.Tag, minor int64, code string) string {
	code = strings.ToUpper(code)
	major := float64(minor) / 100

	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%.2f %s", major, code)
	}

	scale := 2
	if minor%100 == 0 {
		scale = 0
	}

	p := message.NewPrinter(tag)
	sym := p.Sprint(currency.Symbol(unit))
	amount := p.Sprint(number.Decimal(major, number.Scale(scale)))

	base, _ := tag.Base()
	if symbolAfter[base.String()] {
		return amount + "\u00a0" + sym
	}
	return sym + amount
}
