package dispatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const methodPrefix = "read"

// MethodName derives the handler method name for a routing key.
func MethodName(routingKey string) string {
	return methodPrefix + Camelize(routingKey)
}

// Camelize splits s on every run of characters that are neither letters nor
// numbers and upper-cases the first rune of each word. The rest of each word is
// kept as is, so "user.profile.updated" becomes "UserProfileUpdated" and
// "v2_ORDER" becomes "V2ORDER".
func Camelize(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	var b strings.Builder
	b.Grow(len(s))

	for _, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(w[size:])
	}

	return b.String()
}

// goMethodName maps readOrderCreated to the exported ReadOrderCreated.
func goMethodName(method string) string {
	r, size := utf8.DecodeRuneInString(method)
	return string(unicode.ToUpper(r)) + method[size:]
}

// conventionName maps ReadOrderCreated back to readOrderCreated.
func conventionName(goName string) string {
	return methodPrefix + strings.TrimPrefix(goName, goMethodName(methodPrefix))
}
