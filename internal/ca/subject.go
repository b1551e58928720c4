package ca

import (
	"crypto/x509/pkix"
	"fmt"
	"strings"
)

// ParseSubject converts an openssl-style distinguished name such as
// "/C=US/O=Home Lab/CN=example" into a pkix.Name. A backslash escapes the
// next character.
func ParseSubject(s string) (pkix.Name, error) {
	var name pkix.Name
	if s == "" {
		return name, nil
	}
	if !strings.HasPrefix(s, "/") {
		return name, fmt.Errorf("subject %q must start with '/'", s)
	}

	for _, part := range splitUnescaped(s[1:]) {
		if part == "" {
			continue
		}
		attr, value, ok := strings.Cut(part, "=")
		if !ok {
			return name, fmt.Errorf("subject %q: component %q has no '='", s, part)
		}
		switch attr {
		case "C":
			name.Country = append(name.Country, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "street":
			name.StreetAddress = append(name.StreetAddress, value)
		case "postalCode":
			name.PostalCode = append(name.PostalCode, value)
		case "serialNumber":
			name.SerialNumber = value
		case "CN":
			name.CommonName = value
		default:
			return name, fmt.Errorf("subject %q: unsupported attribute %q", s, attr)
		}
	}
	return name, nil
}

func splitUnescaped(s string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '/':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}
