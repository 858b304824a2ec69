package tnt

import (
	"encoding/hex"
	"log/slog"
	"unsafe"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func unsafeStringFromBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	} else if len(b) == 0 {
		return "<empty>"
	} else {
		return hex.EncodeToString(b)
	}
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}
