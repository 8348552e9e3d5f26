package render

import "encoding/base64"

// placeholderPNG is a 1x1 white PNG shown in place of a diagram whose source
// failed to render. The document stays usable while the source is fixed.
const placeholderPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

// PlaceholderImage returns the failure placeholder as raw PNG bytes.
func PlaceholderImage() []byte {
	data, _ := base64.StdEncoding.DecodeString(placeholderPNG)
	return data
}
