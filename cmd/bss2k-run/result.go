package main

type result int

const (
	resultPass result = iota
	resultXFail
	resultSkip
	resultFail
	resultXPass
	resultError
)

func (r result) String() string {
	switch r {
	case resultPass:
		return "PASS"
	case resultXFail:
		return "XFAIL"
	case resultSkip:
		return "SKIP"
	case resultFail:
		return "FAIL"
	case resultXPass:
		return "XPASS"
	default:
		return "ERROR"
	}
}

func (r result) expectFailure() result {
	switch r {
	case resultPass:
		return resultXPass
	case resultFail:
		return resultXFail
	default:
		return r
	}
}

// palette holds the escape sequences for the result line.
type palette struct {
	normal, bold, red, yellow, green string
}

var ansi = palette{
	normal: "\x1b[m",
	bold:   "\x1b[1m",
	red:    "\x1b[31m",
	yellow: "\x1b[33m",
	green:  "\x1b[32m",
}

func (p palette) paint(r result, s string) string {
	var attr, color string

	switch r {
	case resultPass:
		attr, color = p.normal, p.green
	case resultXFail:
		attr, color = p.bold, p.green
	case resultSkip:
		attr, color = p.normal, p.yellow
	case resultFail:
		attr, color = p.normal, p.red
	default:
		attr, color = p.bold, p.red
	}

	return attr + color + s + p.normal
}
