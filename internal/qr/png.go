package qr

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/scanpoint/backend/internal/core"
)

// decodePNG extracts the QR symbol embedded in a PNG data URL and feeds the
// recovered text payload back through the decode pipeline. Data URLs use the
// standard base64 alphabet.
func (d *Decoder) decodePNG(payload string) (*Claims, *ValidationInfo, error) {
	encoded := strings.TrimPrefix(payload, pngDataPrefix)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, core.NewValidationError(core.CodeInvalidPNGBase64, "undecodable base64 image data")
	}

	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, core.NewValidationError(core.CodeInvalidPNGBase64, "image data is not a valid PNG")
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, nil, core.NewValidationError(core.CodeInvalidPNGBase64, "image could not be binarized")
	}

	result, err := qrcode.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return nil, nil, core.NewValidationError(core.CodeInvalidPNGBase64, "no readable QR symbol in image")
	}

	return d.decode(result.GetText(), true)
}
