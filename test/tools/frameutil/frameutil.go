// Package frameutil provides shared MJPEG file handling used by the feed
// generation and push tools.
package frameutil

import "os"

// Split cuts an MJPEG capture into individual frames on JPEG SOI markers
// (0xFF 0xD8). Bytes before the first marker are discarded, which is what a
// reader joining mid-stream would see.
func Split(data []byte) [][]byte {
	var frames [][]byte
	start := -1
	for i := 0; i+1 < len(data); i++ {
		if data[i] != 0xFF || data[i+1] != 0xD8 {
			continue
		}
		if start >= 0 {
			frames = append(frames, data[start:i])
		}
		start = i
		i++ // skip the 0xD8 so FF D8 FF D8 yields two frames
	}
	if start >= 0 {
		frames = append(frames, data[start:])
	}
	return frames
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
