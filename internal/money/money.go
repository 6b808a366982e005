// Package money formats minor-unit amounts for user-visible messages.
package money

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Format renders an amount with thousands grouping, e.g. 5000 -> "5,000".
func Format(amount int64) string {
	return printer.Sprintf("%d", amount)
}
