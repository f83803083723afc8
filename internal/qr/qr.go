// Package qr renders pairing codes for browsers and terminals.
package qr

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// Size is the PNG edge length in pixels.
const Size = 256

// DataURL renders code as a PNG data URL suitable for an <img> src.
func DataURL(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("qr: empty code")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, Size)
	if err != nil {
		return "", fmt.Errorf("qr: encode: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Terminal renders code with half-block characters for a terminal.
func Terminal(code string) (string, error) {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("qr: encode: %w", err)
	}
	return q.ToSmallString(false), nil
}
