// Package extract turns referral text into structured fields. Everything
// here is pure: the same text always yields the same Result.
package extract

import (
	"regexp"
	"strings"
)

const previewLength = 300

// SymptomMatch records how the symptoms field was derived.
type SymptomMatch string

const (
	MatchVocabulary SymptomMatch = "vocabulary"
	MatchFreeText   SymptomMatch = "free_text"
)

// Vocabulary is the closed set of recognised symptom terms, in canonical form.
var Vocabulary = []string{
	"Shortness of breath",
	"Cough",
	"Wheezing",
	"Fatigue",
	"Chest pain",
}

var (
	patientNameRe = regexp.MustCompile(`(?i)Referral for:[ \t]*([^\r\n]+)`)
	dobRe         = regexp.MustCompile(`(?i)DOB:[ \t]*([0-9][0-9/.\-]*)`)
	reasonRe      = regexp.MustCompile(`(?i)Reason:[ \t]*([^\r\n]+)`)
	vocabularyRe  = buildVocabularyRe(Vocabulary)
)

// Result is the structured output for one document. Absent fields are nil
// and serialize as JSON null.
type Result struct {
	PatientName    *string       `json:"patientName"`
	DOB            *string       `json:"dob"`
	Symptoms       *string       `json:"symptoms"`
	SymptomsMatch  *SymptomMatch `json:"symptomsMatch"`
	ReferralReason *string       `json:"referralReason"`
	RawPreview     string        `json:"rawPreview"`
}

// Fields holds the labelled values found in the text before classification.
type Fields struct {
	PatientName *string
	DOB         *string
	Reason      *string
}

// Extract runs the whole pipeline. It never fails.
func Extract(text string) Result {
	fields := LocateFields(text)
	symptoms, match := ClassifySymptoms(fields.Reason)
	return Assemble(text, fields, symptoms, match)
}

// LocateFields finds the first occurrence of each label. A value is taken up
// to the end of its line and trimmed; an empty value counts as absent.
func LocateFields(text string) Fields {
	return Fields{
		PatientName: firstGroup(patientNameRe, text),
		DOB:         firstGroup(dobRe, text),
		Reason:      firstGroup(reasonRe, text),
	}
}

// ClassifySymptoms maps the referral reason onto the vocabulary. The
// leftmost vocabulary term in the reason wins. Without a vocabulary hit the
// whole reason is returned as free text. A nil reason yields nil, nil.
func ClassifySymptoms(reason *string) (*string, *SymptomMatch) {
	if reason == nil {
		return nil, nil
	}
	if m := vocabularyRe.FindStringSubmatch(*reason); m != nil {
		term := canonical(m[1])
		return &term, matchPtr(MatchVocabulary)
	}
	text := *reason
	return &text, matchPtr(MatchFreeText)
}

// Assemble builds the Result from already located fields.
func Assemble(text string, fields Fields, symptoms *string, match *SymptomMatch) Result {
	return Result{
		PatientName:    fields.PatientName,
		DOB:            fields.DOB,
		Symptoms:       symptoms,
		SymptomsMatch:  match,
		ReferralReason: fields.Reason,
		RawPreview:     Preview(text),
	}
}

// Preview returns the first 300 characters of text.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength])
}

func firstGroup(re *regexp.Regexp, text string) *string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v := strings.TrimSpace(m[1])
	if v == "" {
		return nil
	}
	return &v
}

func canonical(found string) string {
	for _, term := range Vocabulary {
		if strings.EqualFold(term, found) {
			return term
		}
	}
	return found
}

func buildVocabularyRe(terms []string) *regexp.Regexp {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

func matchPtr(m SymptomMatch) *SymptomMatch { return &m }
