package enforcer

import (
	"bytes"
	"fmt"
	"text/template"
)

// NameData holds variables available in the set name template.
type NameData struct {
	Jail   string
	Family string // "v4" or "v6"
}

// Namer renders the firewall set name for a jail and address family.
type Namer struct {
	tmpl *template.Template
}

// NewNamer parses and validates the set name template.
func NewNamer(setTmpl string) (*Namer, error) {
	t, err := template.New("set").Parse(setTmpl)
	if err != nil {
		return nil, fmt.Errorf("IPSET_NAME_TEMPLATE: %w", err)
	}
	return &Namer{tmpl: t}, nil
}

// SetName renders the set name for the jail and family.
func (n *Namer) SetName(jail string, ipv6 bool) (string, error) {
	var buf bytes.Buffer
	if err := n.tmpl.Execute(&buf, NameData{Jail: jail, Family: Family(ipv6)}); err != nil {
		return "", fmt.Errorf("render template %q: %w", n.tmpl.Name(), err)
	}
	name := buf.String()
	// ipset limits set names to 31 bytes.
	if name == "" || len(name) > 31 {
		return "", fmt.Errorf("set name %q for jail %q must be 1-31 bytes", name, jail)
	}
	return name, nil
}

// Family returns the family string for an IPv6 flag.
func Family(ipv6 bool) string {
	if ipv6 {
		return "v6"
	}
	return "v4"
}
