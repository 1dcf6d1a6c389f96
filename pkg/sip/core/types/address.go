package types

import (
	"fmt"
	"strings"
)

// Address значение заголовков From, To, Contact, Route, Refer-To:
// name-addr или addr-spec с параметрами заголовка.
type Address struct {
	DisplayName string
	URI         *URI
	Params      Params

	// Wildcard для "Contact: *"
	Wildcard bool
}

// NewAddress создает адрес
func NewAddress(displayName string, uri *URI) *Address {
	return &Address{DisplayName: displayName, URI: uri}
}

// ParseAddress парсит name-addr / addr-spec
func ParseAddress(str string) (*Address, error) {
	str = strings.TrimSpace(str)
	if str == "*" {
		return &Address{Wildcard: true}, nil
	}
	addr := &Address{}

	var uriStr, paramStr string
	if lt := strings.IndexByte(str, '<'); lt != -1 {
		gt := strings.IndexByte(str[lt:], '>')
		if gt == -1 {
			return nil, fmt.Errorf("invalid address %q: missing '>'", str)
		}
		gt += lt
		addr.DisplayName = unquote(strings.TrimSpace(str[:lt]))
		uriStr = str[lt+1 : gt]
		paramStr = str[gt+1:]
	} else {
		// addr-spec: параметры после ';' относятся к заголовку, а не к URI
		uriStr = str
		if idx := strings.IndexByte(str, ';'); idx != -1 {
			uriStr = str[:idx]
			paramStr = str[idx:]
		}
	}

	uri, err := ParseURI(uriStr)
	if err != nil {
		return nil, err
	}
	addr.URI = uri

	paramStr = strings.TrimSpace(paramStr)
	if paramStr != "" {
		if paramStr[0] != ';' {
			return nil, fmt.Errorf("invalid address parameters: %q", paramStr)
		}
		addr.Params = parseParams(paramStr[1:], ';')
	}
	return addr, nil
}

// Tag возвращает параметр tag
func (a *Address) Tag() string {
	return a.Params.Value("tag")
}

// SetTag устанавливает параметр tag
func (a *Address) SetTag(tag string) {
	a.Params = a.Params.Set("tag", tag)
}

// String возвращает строковое представление в форме name-addr
func (a *Address) String() string {
	if a.Wildcard {
		return "*"
	}
	var sb strings.Builder
	if a.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(a.DisplayName, `"`, `\"`))
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	if a.URI != nil {
		sb.WriteString(a.URI.String())
	}
	sb.WriteByte('>')
	a.Params.write(&sb, ';')
	return sb.String()
}

// Clone создает копию адреса
func (a *Address) Clone() *Address {
	if a == nil {
		return nil
	}
	c := *a
	c.URI = a.URI.Clone()
	c.Params = a.Params.Clone()
	return &c
}

// ParseAddressList разбирает значение заголовка со списком адресов через запятую
func ParseAddressList(value string) ([]*Address, error) {
	var out []*Address
	for _, part := range splitQuoted(value, ',') {
		if strings.TrimSpace(part) == "" {
			continue
		}
		addr, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
	}
	return s
}
