package translate

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// UnknownLang is reported when the source language could not be detected.
const UnknownLang = "unknown"

// SupportedLanguages lists the preferred-language codes offered to users.
var SupportedLanguages = []string{
	"en", "es", "fr", "de", "zh", "ja", "ko", "ru", "pt", "it",
	"bn", "hi", "ar", "tr", "nl", "pl", "vi", "th", "id",
}

var namer = display.English.Languages()

// byName maps lowercase English language names ("spanish") to codes, for
// providers that answer with a name instead of an ISO code.
var byName = func() map[string]string {
	m := make(map[string]string, len(SupportedLanguages))
	for _, code := range SupportedLanguages {
		m[strings.ToLower(namer.Name(language.Make(code)))] = code
	}
	return m
}()

// NormalizeLang reduces a language tag or English language name to its base
// ISO 639 code ("pt-BR" -> "pt", "Spanish" -> "es"). Unparseable input yields
// UnknownLang.
func NormalizeLang(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, `"'.`)
	if s == "" || s == UnknownLang {
		return UnknownLang
	}
	if code, ok := byName[s]; ok {
		return code
	}
	tag, err := language.Parse(s)
	if err != nil {
		return UnknownLang
	}
	base, conf := tag.Base()
	if conf == language.No {
		return UnknownLang
	}
	return base.String()
}

// SameLanguage reports whether a and b name the same base language.
// Unknown never matches anything.
func SameLanguage(a, b string) bool {
	na, nb := NormalizeLang(a), NormalizeLang(b)
	return na != UnknownLang && na == nb
}

// LanguageName returns the English display name for a code, or the code itself.
func LanguageName(code string) string {
	n := NormalizeLang(code)
	if n == UnknownLang {
		return strings.TrimSpace(code)
	}
	if name := namer.Name(language.Make(n)); name != "" {
		return name
	}
	return n
}
