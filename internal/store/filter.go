package store

import (
	"strings"
)

// Filter selects a subset of an account's emails. All fields are optional;
// a nil or zero field imposes no constraint. Boolean fields are tri-state:
// nil means unconstrained, never false.
type Filter struct {
	Sender       string `json:"sender,omitempty"`
	SenderEmail  string `json:"sender_email,omitempty"`
	SenderDomain string `json:"sender_domain,omitempty"`
	Category     string `json:"category,omitempty"`
	DateFrom     int64  `json:"date_from,omitempty"`
	DateTo       int64  `json:"date_to,omitempty"`
	SizeMin      int64  `json:"size_min,omitempty"`
	SizeMax      int64  `json:"size_max,omitempty"`

	IsUnread       *bool `json:"is_unread,omitempty"`
	IsStarred      *bool `json:"is_starred,omitempty"`
	HasAttachments *bool `json:"has_attachments,omitempty"`
	IsTrash        *bool `json:"is_trash,omitempty"`
	IsSpam         *bool `json:"is_spam,omitempty"`
	IsImportant    *bool `json:"is_important,omitempty"`
	IsSent         *bool `json:"is_sent,omitempty"`
	IsArchived     *bool `json:"is_archived,omitempty"`

	LabelIDs string `json:"label_ids,omitempty"`
	Search   string `json:"search,omitempty"`
}

// buildFilterSQL renders a filter into a WHERE clause fragment (always
// beginning with the account constraint) plus its args. Everything is ANDed;
// comma lists and search OR tokens form internal OR groups.
func buildFilterSQL(accountID string, f *Filter) (string, []interface{}) {
	conds := []string{"account_id = ?"}
	args := []interface{}{accountID}

	if f == nil {
		return strings.Join(conds, " AND "), args
	}

	if f.Sender != "" {
		conds = append(conds, "(LOWER(from_email) LIKE ? OR LOWER(from_name) LIKE ?)")
		pat := "%" + strings.ToLower(f.Sender) + "%"
		args = append(args, pat, pat)
	}

	if emails := splitList(f.SenderEmail); len(emails) > 0 {
		ors := make([]string, len(emails))
		for i, e := range emails {
			ors[i] = "LOWER(from_email) = ?"
			args = append(args, strings.ToLower(e))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	if domains := splitList(f.SenderDomain); len(domains) > 0 {
		ors := make([]string, len(domains))
		for i, d := range domains {
			ors[i] = "LOWER(from_email) LIKE ?"
			args = append(args, "%@"+strings.ToLower(d))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}

	if f.DateFrom > 0 {
		conds = append(conds, "internal_date >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo > 0 {
		conds = append(conds, "internal_date <= ?")
		args = append(args, f.DateTo)
	}
	if f.SizeMin > 0 {
		conds = append(conds, "size_bytes >= ?")
		args = append(args, f.SizeMin)
	}
	if f.SizeMax > 0 {
		conds = append(conds, "size_bytes <= ?")
		args = append(args, f.SizeMax)
	}

	boolCols := []struct {
		col string
		val *bool
	}{
		{"is_unread", f.IsUnread},
		{"is_starred", f.IsStarred},
		{"is_trash", f.IsTrash},
		{"is_spam", f.IsSpam},
		{"is_important", f.IsImportant},
	}
	for _, bc := range boolCols {
		if bc.val != nil {
			conds = append(conds, bc.col+" = ?")
			args = append(args, boolInt(*bc.val))
		}
	}

	// has_attachments is an attachment count, so the tri-state filter
	// tests presence rather than equality with 1.
	if f.HasAttachments != nil {
		if *f.HasAttachments {
			conds = append(conds, "has_attachments > 0")
		} else {
			conds = append(conds, "has_attachments = 0")
		}
	}

	if f.IsSent != nil {
		if *f.IsSent {
			conds = append(conds, labelContains)
		} else {
			conds = append(conds, "NOT "+labelContains)
		}
		args = append(args, labelPattern("SENT"))
	}

	// Archived means out of the inbox but not discarded.
	if f.IsArchived != nil {
		if *f.IsArchived {
			conds = append(conds, "NOT "+labelContains, "is_trash = 0", "is_spam = 0")
			args = append(args, labelPattern("INBOX"))
		} else {
			conds = append(conds, "("+labelContains+" OR is_trash = 1 OR is_spam = 1)")
			args = append(args, labelPattern("INBOX"))
		}
	}

	if ids := splitList(f.LabelIDs); len(ids) > 0 {
		ors := make([]string, len(ids))
		for i, id := range ids {
			ors[i] = labelContains
			args = append(args, labelPattern(id))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	if f.Search != "" {
		cond, searchArgs := buildSearchSQL(f.Search)
		conds = append(conds, cond)
		args = append(args, searchArgs...)
	}

	return strings.Join(conds, " AND "), args
}

// labelContains tests JSON label-array membership with a LIKE over the
// serialized form. Label ids never contain quotes, so the quoted pattern
// cannot match a substring of another label.
const labelContains = `labels LIKE ?`

func labelPattern(labelID string) string {
	return `%"` + labelID + `"%`
}

// buildSearchSQL implements the subject search grammar: split on OR first
// (OR wins over AND if both appear), else split on AND, else a single
// substring. Quotes around tokens are stripped.
func buildSearchSQL(search string) (string, []interface{}) {
	tokens, joiner := tokenizeSearch(search)
	conds := make([]string, 0, len(tokens))
	var args []interface{}
	for _, tok := range tokens {
		conds = append(conds, "LOWER(subject) LIKE ?")
		args = append(args, "%"+strings.ToLower(tok)+"%")
	}
	if len(conds) == 1 {
		return conds[0], args
	}
	return "(" + strings.Join(conds, " "+joiner+" ") + ")", args
}

func tokenizeSearch(search string) (tokens []string, joiner string) {
	parts := splitCaseInsensitive(search, " or ")
	joiner = "OR"
	if len(parts) == 1 {
		parts = splitCaseInsensitive(search, " and ")
		joiner = "AND"
	}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"'`)
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	if len(tokens) == 0 {
		tokens = []string{strings.TrimSpace(search)}
	}
	return tokens, joiner
}

// splitCaseInsensitive splits s on a case-insensitive separator.
func splitCaseInsensitive(s, sep string) []string {
	lower := strings.ToLower(s)
	var parts []string
	start := 0
	for {
		i := strings.Index(lower[start:], sep)
		if i < 0 {
			parts = append(parts, s[start:])
			return parts
		}
		parts = append(parts, s[start:start+i])
		start += i + len(sep)
	}
}

// splitList splits a comma list into trimmed non-empty elements.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sortClause maps an API sort to an ORDER BY. Unknown values fall back to
// newest-first.
func sortClause(sort string) string {
	switch sort {
	case "date_asc":
		return "internal_date ASC"
	case "size_desc":
		return "size_bytes DESC"
	case "size_asc":
		return "size_bytes ASC"
	default:
		return "internal_date DESC"
	}
}
