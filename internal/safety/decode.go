package safety

import (
	"image"

	"github.com/biome/gateway/internal/imaging"
)

// decodeRGB loads an image and normalizes it to RGB; alpha is composited
// onto white so RGBA and palette images classify consistently.
func decodeRGB(path string) (image.Image, error) {
	img, err := imaging.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return imaging.Flatten(img), nil
}
