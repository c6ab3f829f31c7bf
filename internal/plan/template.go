package plan

import (
	"regexp"
	"strconv"
)

// The closed set of DASH template placeholders. Adding one means
// extending the pattern and the switch in expandTemplate; unknown
// tokens are left untouched rather than silently stripped.
var rePlaceholder = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)\$`)

type templateVars struct {
	RepID     string
	Bandwidth int
	Number    uint64
	Time      uint64
}

// expandTemplate substitutes every known placeholder in tmpl.
func expandTemplate(tmpl string, v templateVars) string {
	return rePlaceholder.ReplaceAllStringFunc(tmpl, func(tok string) string {
		switch tok {
		case "$RepresentationID$":
			return v.RepID
		case "$Number$":
			return strconv.FormatUint(v.Number, 10)
		case "$Time$":
			return strconv.FormatUint(v.Time, 10)
		case "$Bandwidth$":
			return strconv.Itoa(v.Bandwidth)
		}
		return tok
	})
}
