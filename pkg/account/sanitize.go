package account

import (
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/unicode/norm"
)

// Sanitize transliterates s to ASCII. Input is composed first so that a
// letter followed by combining marks maps like its precomposed form;
// scripts without Latin letters are romanized ("Иван" becomes "Ivan").
func Sanitize(s string) string {
	if isASCII(s) {
		return s
	}
	return unidecode.Unidecode(norm.NFC.String(s))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}
