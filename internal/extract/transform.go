package extract

import (
	"net/url"
	"strconv"
	"strings"
)

// parseNumber pulls the first numeric value out of text. Currency symbols,
// thousands separators and surrounding words are skipped, so "$1,299.00 incl.
// VAT" yields 1299. Returns ok=false when no digits are present.
func parseNumber(text string) (any, bool, error) {
	start := -1
	for i, r := range text {
		if r >= '0' && r <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false, nil
	}
	// Include a leading minus sign if it directly precedes the digits.
	if start > 0 && text[start-1] == '-' {
		start--
	}

	var sb strings.Builder
	seenDot := false
	for _, r := range text[start:] {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '-' && sb.Len() == 0:
			sb.WriteRune(r)
		case r == '.' && !seenDot:
			seenDot = true
			sb.WriteRune(r)
		case r == ',':
			// thousands separator
		default:
			goto done
		}
	}
done:
	f, err := strconv.ParseFloat(strings.TrimSuffix(sb.String(), "."), 64)
	if err != nil {
		return nil, false, nil
	}
	return f, true, nil
}

// urlParam returns the named query parameter of raw.
func urlParam(raw, param string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || param == "" {
		return "", false
	}
	vals := u.Query()
	if _, present := vals[param]; !present {
		return "", false
	}
	return vals.Get(param), true
}

// resolveAttrURL makes href/src values absolute against the page URL.
// Other attributes pass through untouched.
func resolveAttrURL(pageURL, attr, val string) string {
	if attr != "href" && attr != "src" {
		return val
	}
	base, err := url.Parse(pageURL)
	if err != nil || base.Scheme == "" {
		return val
	}
	ref, err := url.Parse(val)
	if err != nil {
		return val
	}
	return base.ResolveReference(ref).String()
}
