package types

import "strings"

// Param пара имя/значение параметра URI или заголовка.
// Пустое Value означает параметр без значения (например, ";lr").
type Param struct {
	Name  string
	Value string
}

// Params упорядоченный список параметров.
// Порядок сохраняется при сериализации, поиск по имени регистронезависимый.
type Params []Param

// Get возвращает значение параметра и признак его наличия
func (p Params) Get(name string) (string, bool) {
	for _, param := range p {
		if strings.EqualFold(param.Name, name) {
			return param.Value, true
		}
	}
	return "", false
}

// Value возвращает значение параметра или пустую строку
func (p Params) Value(name string) string {
	v, _ := p.Get(name)
	return v
}

// Has проверяет наличие параметра
func (p Params) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Set заменяет значение существующего параметра или добавляет новый в конец
func (p Params) Set(name, value string) Params {
	for i := range p {
		if strings.EqualFold(p[i].Name, name) {
			p[i].Value = value
			return p
		}
	}
	return append(p, Param{Name: name, Value: value})
}

// Del удаляет параметр
func (p Params) Del(name string) Params {
	out := p[:0]
	for _, param := range p {
		if !strings.EqualFold(param.Name, name) {
			out = append(out, param)
		}
	}
	return out
}

// Clone возвращает независимую копию
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// write сериализует параметры, каждый с префиксом sep
func (p Params) write(sb *strings.Builder, sep byte) {
	for _, param := range p {
		sb.WriteByte(sep)
		sb.WriteString(param.Name)
		if param.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(param.Value)
		}
	}
}

// parseParams разбирает строку вида "a=1;b;c=x" с заданным разделителем.
// Кавычки учитываются: разделитель внутри "..." не режет значение.
func parseParams(s string, sep byte) Params {
	var out Params
	for _, part := range splitQuoted(s, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		out = append(out, Param{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return out
}

// splitQuoted режет строку по sep вне кавычек и угловых скобок
func splitQuoted(s string, sep byte) []string {
	var parts []string
	inQuotes := false
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && inQuotes:
			i++
		case c == '"':
			inQuotes = !inQuotes
		case c == '<' && !inQuotes:
			depth++
		case c == '>' && !inQuotes && depth > 0:
			depth--
		case c == sep && !inQuotes && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
