// SPDX-License-Identifier: MIT

package model

import "golang.org/x/text/language"

// LangAuto requests engine-side language detection.
const LangAuto = "auto"

// supportedLangs is the closed set of source/target languages the service
// accepts, beyond "auto" for detection.
var supportedLangs = map[string]bool{
	"pt": true, "en": true, "es": true, "fr": true, "de": true,
	"it": true, "ja": true, "ko": true, "zh": true, "ru": true,
	"ar": true, "hi": true,
}

// ValidLanguage reports whether code is "auto" or a supported ISO 639-1 code.
func ValidLanguage(code string) bool {
	if code == "" || code == LangAuto {
		return true
	}
	if !supportedLangs[code] {
		return false
	}
	// Guard against aliases sneaking in through config: the code must parse
	// as a well-formed tag too.
	_, err := language.Parse(code)
	return err == nil
}

// SupportedLanguages returns the accepted ISO codes (excluding "auto").
func SupportedLanguages() []string {
	out := make([]string, 0, len(supportedLangs))
	for c := range supportedLangs {
		out = append(out, c)
	}
	return out
}
