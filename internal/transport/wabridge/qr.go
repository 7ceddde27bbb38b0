package wabridge

import (
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"
)

// renderQR prints a login code in half-block characters so it fits a
// normal terminal.
func renderQR(w io.Writer, content string) error {
	if content == "" {
		return fmt.Errorf("empty qr payload")
	}
	code, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	_, err = io.WriteString(w, code.ToSmallString(false))
	return err
}
