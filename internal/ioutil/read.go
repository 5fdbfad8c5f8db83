package ioutil

import (
	"errors"
	"fmt"
	"io"
)

// MaxBodySize bounds response bodies read from the backend, the API and the IDP
const MaxBodySize = 1 << 20

// ErrTooLarge is returned by ReadLimited when the body exceeds the limit
var ErrTooLarge = errors.New("body exceeds size limit")

// ReadLimited reads all of r, failing with ErrTooLarge past limit bytes
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	return body, nil
}

// Snippet reads up to limit bytes for error messages and logs. A read
// failure is described rather than silenced.
func Snippet(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}
