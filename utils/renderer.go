package utils

import (
	"html"
	"strings"

	"coldsend/models"
)

// Placeholder tokens recognized in templates. Substitution is whole-token
// and case-sensitive; anything else is left literal.
const (
	PlaceholderFirstName = "{{first_name}}"
	PlaceholderCompany   = "{{company}}"
	PlaceholderEmail     = "{{email}}"
)

// Render substitutes lead data into the template and appends the user
// signature. Values substituted into the HTML body are entity-escaped;
// the subject is plain text and gets them raw. Empty lead fields render
// as the empty string.
func Render(tmpl *models.Template, lead *models.Lead, signatureHTML string) (subject, bodyHTML string) {
	firstName := deref(lead.FirstName)
	company := deref(lead.Company)

	subject = substitute(tmpl.Subject, firstName, company, lead.Email, false)
	bodyHTML = substitute(tmpl.BodyHTML, firstName, company, lead.Email, true)

	if signatureHTML != "" {
		bodyHTML = bodyHTML + "<br><br>" + signatureHTML
	}
	return subject, bodyHTML
}

func substitute(s, firstName, company, email string, escape bool) string {
	if escape {
		firstName = html.EscapeString(firstName)
		company = html.EscapeString(company)
		email = html.EscapeString(email)
	}
	s = strings.ReplaceAll(s, PlaceholderFirstName, firstName)
	s = strings.ReplaceAll(s, PlaceholderCompany, company)
	s = strings.ReplaceAll(s, PlaceholderEmail, email)
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
