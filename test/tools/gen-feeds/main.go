// gen-feeds writes synthetic MJPEG captures under test/feeds/ for exercising
// the node without real cameras. Each capture is a concatenation of rendered
// JPEG frames; push them with the mjpeg-push tool or replay them with
// examples/file-replay.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/test/tools/frameutil"
)

type FeedConfig struct {
	Number      int     `json:"number"`
	Key         string  `json:"key"`
	Description string  `json:"description"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Frames      int     `json:"frames"`
	FPS         float64 `json:"fps"`
}

type Manifest struct {
	Generated string       `json:"generated"`
	Feeds     []FeedConfig `json:"feeds"`
}

var feeds = []FeedConfig{
	{Number: 1, Key: "gate_entry", Description: "Entry barrier, slow traffic", Width: 640, Height: 480, Frames: 300, FPS: 10},
	{Number: 2, Key: "gate_exit", Description: "Exit barrier, slow traffic", Width: 640, Height: 480, Frames: 300, FPS: 10},
	{Number: 3, Key: "street_east", Description: "Street camera, passing traffic", Width: 1280, Height: 720, Frames: 450, FPS: 15},
	{Number: 4, Key: "street_west", Description: "Street camera, passing traffic", Width: 1280, Height: 720, Frames: 450, FPS: 15},
	{Number: 5, Key: "garage_l2", Description: "Garage level 2 ramp", Width: 800, Height: 600, Frames: 240, FPS: 8},
	{Number: 6, Key: "nightcam", Description: "Low light, heavy sensor noise", Width: 640, Height: 480, Frames: 300, FPS: 10},
}

func main() {
	rng := rand.New(rand.NewSource(42))

	outDir := filepath.Join(findProjectRoot(), "test", "feeds")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir %s: %v\n", outDir, err)
		os.Exit(1)
	}

	start := time.Now()
	for _, fc := range feeds {
		outPath := filepath.Join(outDir, fmt.Sprintf("cam_%d.mjpeg", fc.Number))
		fmt.Printf("Feed %d (%s): %d frames %dx%d @ %.0f fps -> %s\n",
			fc.Number, fc.Key, fc.Frames, fc.Width, fc.Height, fc.FPS, outPath)
		if err := writeFeed(outPath, fc, rng); err != nil {
			fmt.Fprintf(os.Stderr, "feed %d: %v\n", fc.Number, err)
			os.Exit(1)
		}
	}

	m := Manifest{
		Generated: time.Now().UTC().Format(time.RFC3339),
		Feeds:     feeds,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal manifest: %v\n", err)
		os.Exit(1)
	}
	manifestPath := filepath.Join(outDir, "manifest.json")
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write manifest: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %d feeds in %s\n", len(feeds), time.Since(start).Truncate(time.Second))
}

func writeFeed(path string, fc FeedConfig, rng *rand.Rand) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for n := 0; n < fc.Frames; n++ {
		frame, err := renderFrame(rng, fc, n)
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		if _, err := f.Write(frame); err != nil {
			return err
		}
	}
	return f.Close()
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "getwd: %v\n", err)
		os.Exit(1)
	}
	for {
		if frameutil.FileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}
