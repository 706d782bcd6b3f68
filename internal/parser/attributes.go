package parser

import (
	"fmt"
	"strings"
)

// ParseAttributeList parses an HLS attribute list: comma-separated
// NAME=VALUE pairs where VALUE may be a quoted string containing commas.
// Quotes are stripped. Attribute order is not significant.
func ParseAttributeList(s string) (map[string]string, error) {
	attrs := make(map[string]string)

	s = strings.TrimSpace(s)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("attribute %q has no value", s)
		}

		name := strings.TrimSpace(s[:eq])
		if name == "" || strings.ContainsAny(name, ",\"") {
			return nil, fmt.Errorf("invalid attribute name %q", s[:eq])
		}
		s = strings.TrimLeft(s[eq+1:], " ")

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quoted value for %s", name)
			}
			value = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}

		attrs[name] = value

		s = strings.TrimLeft(s, " ")
		if len(s) > 0 {
			if s[0] != ',' {
				return nil, fmt.Errorf("expected ',' after %s", name)
			}
			s = strings.TrimLeft(s[1:], " ")
		}
	}

	return attrs, nil
}
