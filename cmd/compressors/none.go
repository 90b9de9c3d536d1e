package compressors

import "io"

// NoneDecompressor passes plain CSV through unchanged
type NoneDecompressor struct{}

// NewNoneDecompressor creates a new pass-through decompressor
func NewNoneDecompressor() *NoneDecompressor {
	return &NoneDecompressor{}
}

// NewReader returns r with a no-op Close
func (c *NoneDecompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// Extension returns an empty string (no compression extension)
func (c *NoneDecompressor) Extension() string {
	return ""
}
