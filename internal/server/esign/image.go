package esign

import (
	"bytes"
	"fmt"
	"image"

	// Registered decoders for the signature image formats we accept.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dkrasnov/signflow/internal/common"
)

// MaxImageSize caps uploaded signature images at 1 MiB.
const MaxImageSize = 1 << 20

// ValidateSignatureImage checks that data is a real, size-capped raster
// image before it is attached to a sign call.
func ValidateSignatureImage(data []byte) error {
	if len(data) == 0 {
		return common.ErrSignatureImageMissing
	}
	if len(data) > MaxImageSize {
		return fmt.Errorf("%w: %d bytes (max %d)", common.ErrSignatureImageTooLarge, len(data), MaxImageSize)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: not a decodable image", common.ErrValidation)
	}
	return nil
}
