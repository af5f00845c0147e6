// mjpeg-push streams MJPEG capture files to the node's SRT ingest, pacing
// frames at the capture's frame rate and reconnecting on failure. It is the
// sending side of the test loop that gen-feeds begins.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/test/tools/frameutil"
)

type feedManifestEntry struct {
	Number int     `json:"number"`
	Key    string  `json:"key"`
	FPS    float64 `json:"fps"`
}

type manifest struct {
	Feeds []feedManifestEntry `json:"feeds"`
}

const defaultFPS = 10.0

func main() {
	allFlag := flag.Bool("all", false, "Push every generated feed simultaneously")
	fileFlag := flag.String("file", "", "Single MJPEG file to push")
	keyFlag := flag.String("key", "", "Feed key (default: filename without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT ingest address")
	fpsFlag := flag.Float64("fps", 0, "Frame rate override (default: manifest value or 10)")
	flag.Parse()

	if *allFlag {
		pushAll(*addrFlag, *fpsFlag)
		return
	}

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  mjpeg-push --all                              Push every generated feed\n")
		fmt.Fprintf(os.Stderr, "  mjpeg-push --file cam.mjpeg --key gate_entry  Push a single capture\n")
		os.Exit(1)
	}

	key := *keyFlag
	if key == "" {
		base := filepath.Base(filePath)
		key = base[:len(base)-len(filepath.Ext(base))]
	}

	pushSingle(filePath, key, *addrFlag, selectFPS(*fpsFlag, 0))
}

func pushAll(addr string, fpsOverride float64) {
	feedsDir := findFeedsDir()
	manifestPath := filepath.Join(feedsDir, "manifest.json")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read manifest at %s: %v\n", manifestPath, err)
		fmt.Fprintf(os.Stderr, "Run 'go run ./test/tools/gen-feeds' first.\n")
		os.Exit(1)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid manifest: %v\n", err)
		os.Exit(1)
	}
	if len(m.Feeds) == 0 {
		fmt.Fprintf(os.Stderr, "No feeds in manifest\n")
		os.Exit(1)
	}

	fmt.Printf("Pushing %d feeds to %s\n", len(m.Feeds), addr)

	var wg sync.WaitGroup
	for _, f := range m.Feeds {
		file := filepath.Join(feedsDir, fmt.Sprintf("cam_%d.mjpeg", f.Number))
		if !frameutil.FileExists(file) {
			fmt.Printf("  Skipping feed %d (%s): file not found\n", f.Number, f.Key)
			continue
		}

		wg.Add(1)
		go func(file, key string, num int, fps float64) {
			defer wg.Done()
			fmt.Printf("  Feed %d: %s\n", num, key)
			pushSingle(file, key, addr, fps)
		}(file, f.Key, f.Number, selectFPS(fpsOverride, f.FPS))

		time.Sleep(200 * time.Millisecond)
	}

	wg.Wait()
}

// selectFPS picks the frame rate: an explicit override wins, then the
// manifest value, then the default.
func selectFPS(override, manifestFPS float64) float64 {
	if override > 0 {
		return override
	}
	if manifestFPS > 0 {
		return manifestFPS
	}
	return defaultFPS
}

func pushSingle(filePath, key, addr string, fps float64) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		return
	}

	frames := frameutil.Split(data)
	if len(frames) == 0 {
		fmt.Fprintf(os.Stderr, "[%s] No JPEG frames in %s\n", key, filePath)
		return
	}

	streamID := "live/" + key
	fmt.Printf("File: %s (%d frames, %.0f fps)\n", filePath, len(frames), fps)

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", key, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", key, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, streaming continuously\n", key)
		writeErr := streamLoop(conn, frames, fps, key)
		conn.Close()

		if writeErr != nil {
			fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", key, writeErr)
			time.Sleep(time.Second)
		}
	}
}

func streamLoop(conn *srt.Conn, frames [][]byte, fps float64, key string) error {
	globalStart := time.Now()
	var framesSent int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for loop := 1; ; loop++ {
		if loop > 1 {
			fmt.Printf("[%s] Loop %d complete, restarting from frame 0 (total sent: %d, elapsed: %s)\n",
				key, loop-1, framesSent, time.Since(globalStart).Truncate(time.Second))
		}

		for i, frame := range frames {
			if err := writeFrame(conn, frame); err != nil {
				return err
			}
			framesSent++

			// Pace against the global clock so timing is continuous
			// across loop boundaries -- no burst at the seam.
			expected := float64(framesSent) / fps
			elapsed := time.Since(globalStart).Seconds()
			if expected > elapsed {
				time.Sleep(time.Duration((expected - elapsed) * float64(time.Second)))
			}

			if time.Since(lastLog) >= logInterval {
				actual := float64(framesSent) / time.Since(globalStart).Seconds()
				fmt.Printf("[%s] loop=%d frame=%d/%d rate=%.1f fps (target=%.1f)\n",
					key, loop, i+1, len(frames), actual, fps)
				lastLog = time.Now()
			}
		}
	}
}

// writeFrame sends one JPEG in SRT-payload-sized chunks. SRT message mode
// caps a single write at the payload size, so large frames must be split.
func writeFrame(conn *srt.Conn, frame []byte) error {
	const chunkSize = 1316
	for off := 0; off < len(frame); off += chunkSize {
		end := off + chunkSize
		if end > len(frame) {
			end = len(frame)
		}
		if _, err := conn.Write(frame[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func findFeedsDir() string {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "getwd: %v\n", err)
		os.Exit(1)
	}
	for {
		candidate := filepath.Join(dir, "test", "feeds")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		if frameutil.FileExists(filepath.Join(dir, "go.mod")) {
			return filepath.Join(dir, "test", "feeds")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Join("test", "feeds")
		}
		dir = parent
	}
}
