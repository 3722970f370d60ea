package anonymizer

import (
	"regexp"
	"sort"
)

const (
	EntityEmail       = "EMAIL_ADDRESS"
	EntityIBAN        = "IBAN_CODE"
	EntityCreditCard  = "CREDIT_CARD"
	EntityIPAddress   = "IP_ADDRESS"
	EntityPhoneNumber = "PHONE_NUMBER"
)

type Span struct {
	Start      int
	End        int
	EntityType string
	Value      string
}

type recognizer struct {
	entity   string
	re       *regexp.Regexp
	validate func(string) bool
}

// Detector finds PII spans. Recognizers run in priority order and a later
// recognizer never claims text an earlier one already matched.
type Detector struct {
	recognizers []recognizer
}

func NewDetector() *Detector {
	return &Detector{recognizers: []recognizer{
		{entity: EntityEmail, re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
		{entity: EntityIBAN, re: regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`), validate: validIBAN},
		{entity: EntityCreditCard, re: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), validate: luhn},
		{entity: EntityIPAddress, re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
		{entity: EntityPhoneNumber, re: regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{1,4}\)[ .\-]?)?\d{2,4}[ .\-]?\d{3,4}[ .\-]?\d{3,4}\b`), validate: phoneDigits},
	}}
}

func (d *Detector) Find(text string) []Span {
	var spans []Span
	taken := func(start, end int) bool {
		for _, s := range spans {
			if start < s.End && s.Start < end {
				return true
			}
		}
		return false
	}

	for _, r := range d.recognizers {
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if r.validate != nil && !r.validate(value) {
				continue
			}
			if taken(loc[0], loc[1]) {
				continue
			}
			spans = append(spans, Span{Start: loc[0], End: loc[1], EntityType: r.entity, Value: value})
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

func digitsOf(s string) []int {
	out := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			out = append(out, int(r-'0'))
		}
	}
	return out
}

func luhn(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func phoneDigits(s string) bool {
	n := len(digitsOf(s))
	return n >= 7 && n <= 15
}

// validIBAN applies the ISO 13616 mod-97 check.
func validIBAN(s string) bool {
	compact := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			compact = append(compact, s[i])
		}
	}
	if len(compact) < 15 || len(compact) > 34 {
		return false
	}
	rearranged := append(append([]byte{}, compact[4:]...), compact[:4]...)
	rem := 0
	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			rem = (rem*100 + int(c-'A'+10)) % 97
		default:
			return false
		}
	}
	return rem == 1
}
