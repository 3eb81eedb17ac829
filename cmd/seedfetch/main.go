package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skydir/trustpipe/internal/pipeline"
	"github.com/skydir/trustpipe/internal/queue"
)

// seedfetch enqueues manifest fetch jobs directly onto the redis queue, for
// re-validating listings in bulk. Input is one "botID manifestURL" per line.
func main() {
	var file string
	var addr string
	var key string
	flag.StringVar(&file, "jobs", "", "path to jobs file (botID manifestURL per line)")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", "trustpipe:jobs", "redis queue key")
	flag.Parse()
	if file == "" {
		fmt.Fprintln(os.Stderr, "missing -jobs")
		os.Exit(1)
	}
	q, err := queue.NewRedis(addr, key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		os.Exit(1)
	}
	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	ctx := context.Background()
	seeded := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			fmt.Fprintln(os.Stderr, "skipping malformed line:", line)
			continue
		}
		payload, _ := json.Marshal(map[string]string{"manifest_url": fields[1]})
		job := queue.Job{
			ID:         uuid.NewString(),
			Kind:       pipeline.KindManifestFetch,
			BotID:      fields[0],
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := q.Enqueue(ctx, job); err != nil {
			fmt.Fprintln(os.Stderr, "enqueue:", err)
			os.Exit(1)
		}
		seeded++
	}
	fmt.Println("seeded", seeded, "jobs onto", key)
}
