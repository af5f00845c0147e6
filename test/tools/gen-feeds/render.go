package main

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
)

var vehiclePalette = []color.RGBA{
	{30, 30, 34, 255},   // black
	{188, 188, 192, 255}, // silver
	{140, 20, 20, 255},  // red
	{20, 40, 110, 255},  // blue
	{240, 240, 240, 255}, // white
}

// renderFrame draws a flat road scene with a vehicle sweeping across it and
// a bright plate patch on the vehicle's tail. The output is not a readable
// plate; it gives the segmenter realistically sized JPEG frames with real
// motion between them.
func renderFrame(rng *rand.Rand, fc FeedConfig, n int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, fc.Width, fc.Height))

	base := uint8(70)
	noise := 10
	if fc.Key == "nightcam" {
		base = 22
		noise = 40
	}
	for y := 0; y < fc.Height; y++ {
		for x := 0; x < fc.Width; x++ {
			v := base + uint8(rng.Intn(noise))
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}

	// One vehicle per 50-frame pass, entering from the left.
	pass := n / 50
	vw, vh := fc.Width/4, fc.Height/5
	vx := (n%50)*(fc.Width+vw)/50 - vw
	vy := fc.Height * 3 / 5
	body := vehiclePalette[(fc.Number+pass)%len(vehiclePalette)]
	fillRect(img, vx, vy, vw, vh, body)

	// Plate patch on the tail, jittered a pixel or two like a real mount.
	pw, ph := vw/3, vh/5
	px := vx + vw - pw - vw/10 + rng.Intn(3) - 1
	py := vy + vh - ph*2 + rng.Intn(3) - 1
	fillRect(img, px, py, pw, ph, color.RGBA{235, 222, 80, 255})

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fillRect(img *image.RGBA, x0, y0, w, h int, c color.RGBA) {
	b := img.Bounds()
	for y := y0; y < y0+h; y++ {
		if y < b.Min.Y || y >= b.Max.Y {
			continue
		}
		for x := x0; x < x0+w; x++ {
			if x < b.Min.X || x >= b.Max.X {
				continue
			}
			img.SetRGBA(x, y, c)
		}
	}
}
