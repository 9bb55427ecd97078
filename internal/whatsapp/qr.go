package whatsapp

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// RenderQR encodes content as a QR code rendered in terminal block
// characters, small enough to fit a standard 80-column window.
func RenderQR(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encode QR: %w", err)
	}
	return qr.ToSmallString(false), nil
}
