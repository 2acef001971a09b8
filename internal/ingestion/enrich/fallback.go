package enrich

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// fallbackTerms maps common Georgian listing vocabulary to English and
// Russian. Substitution is word-for-word and low fidelity; it only exists so a
// listing carries some secondary-language signal when the detail endpoint is
// unreachable.
var fallbackTerms = map[string]map[string]string{
	"იყიდება":    {"en": "For Sale", "ru": "Продается"},
	"ქირავდება":  {"en": "For Rent", "ru": "Сдается в аренду"},
	"ბინა":       {"en": "Apartment", "ru": "Квартира"},
	"სახლი":      {"en": "House", "ru": "Дом"},
	"ოთახი":      {"en": "Room", "ru": "Комната"},
	"ოთახიანი":   {"en": "Room", "ru": "комнатный"},
	"კომერციული": {"en": "Commercial", "ru": "Коммерческий"},
	"ოფისი":      {"en": "Office", "ru": "Офис"},
	"მაღაზია":    {"en": "Shop", "ru": "Магазин"},
	"ავტოფარეხი": {"en": "Garage", "ru": "Гараж"},
	"ზღვის":      {"en": "Sea", "ru": "Море"},
	"ცენტრი":     {"en": "Center", "ru": "Центр"},
	"ახალი":      {"en": "New", "ru": "Новый"},
	"რემონტი":    {"en": "Renovation", "ru": "Ремонт"},
	"ავეჯი":      {"en": "Furniture", "ru": "Мебель"},
	"ლიფტი":      {"en": "Elevator", "ru": "Лифт"},
	"ბალკონი":    {"en": "Balcony", "ru": "Балкон"},
	"ტელეფონი":   {"en": "Phone", "ru": "Телефон"},
	"ინტერნეტი":  {"en": "Internet", "ru": "Интернет"},
}

// Dictionary performs the fallback substitution for a set of languages.
type Dictionary struct {
	replacers map[string]*strings.Replacer
}

// NewDictionary builds replacers for languages. Longer terms are listed
// first so "ოთახიანი" is not split by its prefix "ოთახი".
func NewDictionary(languages []string) *Dictionary {
	terms := make([]string, 0, len(fallbackTerms))
	for term := range fallbackTerms {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(terms[i]), utf8.RuneCountInString(terms[j])
		if li != lj {
			return li > lj
		}
		return terms[i] < terms[j]
	})

	d := &Dictionary{replacers: make(map[string]*strings.Replacer, len(languages))}
	for _, lang := range languages {
		var pairs []string
		for _, term := range terms {
			if tr, ok := fallbackTerms[term][lang]; ok {
				pairs = append(pairs, term, tr)
			}
		}
		if len(pairs) > 0 {
			d.replacers[lang] = strings.NewReplacer(pairs...)
		}
	}
	return d
}

// Translate substitutes known terms of text into lang. ok is false when the
// language is unknown or nothing was substituted.
func (d *Dictionary) Translate(text, lang string) (string, bool) {
	r, found := d.replacers[lang]
	if !found || text == "" {
		return "", false
	}
	out := r.Replace(text)
	if out == text {
		return "", false
	}
	return strings.TrimSpace(out), true
}
