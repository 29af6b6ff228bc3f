package pysrc

import (
	"strconv"
	"strings"
)

// Decorator is one @-line applied to a def or class, with any constant
// arguments it carries. Non-constant arguments are dropped.
type Decorator struct {
	Name   string // dotted name as written, e.g. "skip" or "taut.skip"
	Called bool
	Args   []Value
	Kwargs []Kwarg
	Line   int
}

// Tail returns the last component of the dotted name ("skip" for
// "taut.skip").
func (d Decorator) Tail() string {
	if idx := strings.LastIndexByte(d.Name, '.'); idx >= 0 {
		return d.Name[idx+1:]
	}
	return d.Name
}

// Kwarg is a keyword argument in a decorator call.
type Kwarg struct {
	Name  string
	Value Value
}

// ValueKind tags a constant decorator argument.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueList
	ValueNone
)

// Value is a constant argument value: a string, bool, number, None, or a
// list of strings.
type Value struct {
	Kind  ValueKind
	Str   string
	Bool  bool
	Int   int64
	Float float64
	List  []string
}

// Display renders the value the way markers compare and print it.
func (v Value) Display() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueList:
		return "[" + strings.Join(v.List, ", ") + "]"
	case ValueNone:
		return "none"
	}
	return ""
}

// parseDecorator parses the joined logical text of a decorator line. The
// grammar is deliberately small: dotted name, optionally a call whose
// arguments are constants. Anything else still yields the decorator name so
// unrecognized decorators survive as opaque tags.
func parseDecorator(text string, line int) Decorator {
	d := Decorator{Line: line}
	s := strings.TrimSpace(strings.TrimPrefix(text, "@"))

	end := 0
	for end < len(s) && (isIdentByte(s[end]) || s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	d.Name = s[:end]
	s = strings.TrimSpace(s[end:])

	if !strings.HasPrefix(s, "(") {
		return d
	}
	d.Called = true

	inner := s[1:]
	if idx := strings.LastIndexByte(inner, ')'); idx >= 0 {
		inner = inner[:idx]
	}

	p := &argParser{input: inner}
	p.parseArgs(&d)
	return d
}

type argParser struct {
	input string
	pos   int
}

func (p *argParser) parseArgs(d *Decorator) {
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return
		}

		if name, ok := p.tryKeyword(); ok {
			if v, ok := p.parseValue(); ok {
				d.Kwargs = append(d.Kwargs, Kwarg{Name: name, Value: v})
			} else {
				p.skipArg()
			}
		} else if v, ok := p.parseValue(); ok {
			d.Args = append(d.Args, v)
		} else {
			p.skipArg()
		}

		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
			continue
		}
		return
	}
}

// tryKeyword consumes "ident=" (but not "ident==") and returns the name.
func (p *argParser) tryKeyword() (string, bool) {
	save := p.pos
	start := p.pos
	for p.pos < len(p.input) && (isIdentByte(p.input[p.pos]) || (p.pos > start && p.input[p.pos] >= '0' && p.input[p.pos] <= '9')) {
		p.pos++
	}
	if p.pos == start {
		return "", false
	}
	name := p.input[start:p.pos]
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '=' && (p.pos+1 >= len(p.input) || p.input[p.pos+1] != '=') {
		p.pos++
		p.skipSpace()
		return name, true
	}
	p.pos = save
	return "", false
}

func (p *argParser) parseValue() (Value, bool) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return Value{}, false
	}

	switch ch := p.input[p.pos]; {
	case ch == '"' || ch == '\'':
		s, ok := p.parseString(ch)
		if !ok {
			return Value{}, false
		}
		return Value{Kind: ValueString, Str: s}, true
	case ch == '[':
		return p.parseList()
	case ch == '-' || (ch >= '0' && ch <= '9'):
		return p.parseNumber()
	default:
		word := p.peekIdent()
		switch word {
		case "True":
			p.pos += len(word)
			return Value{Kind: ValueBool, Bool: true}, true
		case "False":
			p.pos += len(word)
			return Value{Kind: ValueBool, Bool: false}, true
		case "None":
			p.pos += len(word)
			return Value{Kind: ValueNone}, true
		}
		return Value{}, false
	}
}

func (p *argParser) parseString(quote byte) (string, bool) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == '\\' && p.pos+1 < len(p.input) {
			b.WriteByte(p.input[p.pos+1])
			p.pos += 2
			continue
		}
		if ch == quote {
			p.pos++
			return b.String(), true
		}
		b.WriteByte(ch)
		p.pos++
	}
	return "", false
}

func (p *argParser) parseList() (Value, bool) {
	p.pos++ // '['
	var items []string
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return Value{}, false
		}
		if p.input[p.pos] == ']' {
			p.pos++
			return Value{Kind: ValueList, List: items}, true
		}
		v, ok := p.parseValue()
		if !ok {
			return Value{}, false
		}
		items = append(items, v.Display())
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
		}
	}
}

func (p *argParser) parseNumber() (Value, bool) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	isFloat := false
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch >= '0' && ch <= '9' {
			p.pos++
			continue
		}
		if ch == '.' && !isFloat {
			isFloat = true
			p.pos++
			continue
		}
		break
	}
	text := p.input[start:p.pos]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, false
		}
		return Value{Kind: ValueFloat, Float: f}, true
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return Value{}, false
	}
	return Value{Kind: ValueInt, Int: n}, true
}

func (p *argParser) peekIdent() string {
	end := p.pos
	for end < len(p.input) && (isIdentByte(p.input[end]) || (end > p.pos && p.input[end] >= '0' && p.input[end] <= '9')) {
		end++
	}
	return p.input[p.pos:end]
}

// skipArg advances past one argument we could not parse as a constant,
// respecting nested brackets and strings.
func (p *argParser) skipArg() {
	depth := 0
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		switch ch {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth == 0 {
				return
			}
			depth--
		case ',':
			if depth == 0 {
				return
			}
		case '"', '\'':
			p.parseString(ch)
			continue
		}
		p.pos++
	}
}

func (p *argParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}
