// Package wire builds the single request the boiler agent ever sends
// and extracts the status code from the response.
//
// Request: fixed method, path and host, JSON body mapping sensor id
// (16 uppercase hex digits) to temperature with two decimal places.
//
//	{"0011223344556677":21.50,"8899AABBCCDDEEFF":45.00}
//
// Response: only status line is inspected.
package wire

import (
	"bytes"
	"math"
	"strconv"

	"github.com/temoto/boiler/reading"
)

const (
	DefaultMethod = "POST"
	DefaultPath   = "/bm/api/BoilerData"

	// status digits offset after "HTTP/1.x "
	statusOffset = 9
	// prefix + 3 digits
	StatusLineMin = statusOffset + 3
)

var versionPrefixes = [][]byte{
	[]byte("HTTP/1.1 "),
	[]byte("HTTP/1.0 "),
}

type Envelope struct {
	Method string
	Path   string
	Host   string
}

// Prologue is request head up to and excluding content length value.
func (e Envelope) Prologue() string {
	method, path := e.Method, e.Path
	if method == "" {
		method = DefaultMethod
	}
	if path == "" {
		path = DefaultPath
	}
	return method + " " + path + " HTTP/1.1\r\n" +
		"Host: " + e.Host + "\r\n" +
		"Connection: close\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: "
}

// Request wraps body into envelope. Content length is always len(body).
func (e Envelope) Request(body []byte) []byte {
	prologue := e.Prologue()
	b := make([]byte, 0, len(prologue)+8+len(body))
	b = append(b, prologue...)
	b = strconv.AppendInt(b, int64(len(body)), 10)
	b = append(b, "\r\n\r\n"...)
	b = append(b, body...)
	return b
}

// MarshalPayload serializes readings as JSON object literal.
// Empty source gives `{}`. Non-finite values are written as null.
func MarshalPayload(src reading.Source) []byte {
	b := make([]byte, 0, 2+src.Len()*28)
	b = append(b, '{')
	first := true
	src.Each(func(r reading.Reading) bool {
		if !first {
			b = append(b, ',')
		}
		first = false
		b = appendKey(b, r.ID)
		b = append(b, ':')
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			b = append(b, "null"...)
		} else {
			b = strconv.AppendFloat(b, r.Value, 'f', 2, 64)
		}
		return true
	})
	b = append(b, '}')
	return b
}

// BuildRequest is MarshalPayload + Request.
func (e Envelope) BuildRequest(src reading.Source) []byte {
	return e.Request(MarshalPayload(src))
}

const hexUpper = "0123456789ABCDEF"

func appendKey(b []byte, id reading.SensorID) []byte {
	b = append(b, '"')
	for shift := 60; shift >= 0; shift -= 4 {
		b = append(b, hexUpper[(uint64(id)>>uint(shift))&0xf])
	}
	return append(b, '"')
}

// ParseStatus reads 3 digit status code from response prefix.
// Any other shape (short, unknown version, non-digits) gives 0.
func ParseStatus(b []byte) int {
	if len(b) < StatusLineMin {
		return 0
	}
	known := false
	for _, p := range versionPrefixes {
		if bytes.HasPrefix(b, p) {
			known = true
			break
		}
	}
	if !known {
		return 0
	}
	code := 0
	for _, c := range b[statusOffset:StatusLineMin] {
		if c < '0' || c > '9' {
			return 0
		}
		code = code*10 + int(c-'0')
	}
	return code
}
