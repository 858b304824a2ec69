package iproto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	GreetingSize     = 128
	greetingLineSize = 64
)

var ErrBadGreeting = errors.New("invalid greeting")

// FormatGreeting builds the 128-byte banner a server sends on accept: the
// version line and the base64 salt line, each space-padded to 63 bytes and
// terminated by a newline.
func FormatGreeting(version string, salt []byte) []byte {
	buf := make([]byte, 0, GreetingSize)
	buf = appendGreetingLine(buf, version)
	buf = appendGreetingLine(buf, base64.StdEncoding.EncodeToString(salt))
	return buf
}

func appendGreetingLine(buf []byte, s string) []byte {
	if len(s) > greetingLineSize-1 {
		s = s[:greetingLineSize-1]
	}
	buf = append(buf, s...)
	for i := len(s); i < greetingLineSize-1; i++ {
		buf = append(buf, ' ')
	}
	return append(buf, '\n')
}

// ParseGreeting returns the trimmed version line and the decoded salt.
func ParseGreeting(b []byte) (version string, salt []byte, err error) {
	if len(b) != GreetingSize || b[greetingLineSize-1] != '\n' || b[GreetingSize-1] != '\n' {
		return "", nil, ErrBadGreeting
	}
	version = strings.TrimRight(string(b[:greetingLineSize-1]), " ")
	saltLine := bytes.TrimRight(b[greetingLineSize:GreetingSize-1], " ")
	salt, err = base64.StdEncoding.DecodeString(string(saltLine))
	if err != nil {
		return "", nil, ErrBadGreeting
	}
	return version, salt, nil
}
