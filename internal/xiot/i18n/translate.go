// Package i18n translates the few fixed messages the functions emit.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys. The key is also the English text.
const (
	MsgModuleOffline = "Module is no longer online"
)

var translations = map[language.Tag]map[string]string{
	language.French: {
		MsgModuleOffline: "Le module n'est plus connecté",
	},
}

// Translator resolves a language code to the closest supported language.
// Unknown languages and unknown keys return the message unchanged.
type Translator struct {
	catalog   *catalog.Builder
	supported []language.Tag
	matcher   language.Matcher
	keys      map[string]bool
}

func New() *Translator {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	supported := []language.Tag{language.English}
	keys := make(map[string]bool)

	for _, key := range []string{MsgModuleOffline} {
		_ = b.SetString(language.English, key, key)
		keys[key] = true
	}
	for tag, msgs := range translations {
		supported = append(supported, tag)
		for key, text := range msgs {
			_ = b.SetString(tag, key, text)
		}
	}

	return &Translator{
		catalog:   b,
		supported: supported,
		matcher:   language.NewMatcher(supported),
		keys:      keys,
	}
}

// Translate returns msg in lang. A blank lang is English.
func (t *Translator) Translate(msg, lang string) string {
	if !t.keys[msg] {
		return msg
	}
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return msg
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return msg
	}
	_, idx, conf := t.matcher.Match(tag)
	if conf == language.No {
		return msg
	}
	p := message.NewPrinter(t.supported[idx], message.Catalog(t.catalog))
	return p.Sprintf(msg)
}

// Languages lists the supported languages, English first.
func (t *Translator) Languages() []language.Tag {
	return append([]language.Tag(nil), t.supported...)
}
