// Package main provides mrklcat, a command-line utility to dump a byte
// range out of a verified mirror. It opens (or creates) the cache/state
// pair at the given paths and hex-dumps the requested range to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/scigolib/mrklcache"
)

func main() {
	// Define command-line flags
	cache := flag.String("cache", "", "Path to the local cache file")
	state := flag.String("state", "", "Path to the local state file")
	remote := flag.String("remote", "", "Remote origin URL (reference tree expected at <remote>.mrkl)")
	offset := flag.Uint64("offset", 0, "Offset in the mirror to start dumping from")
	length := flag.Uint64("length", 128, "Number of bytes to dump")
	token := flag.String("token", "", "Bearer token for the remote origin (overrides HF_TOKEN)")
	fresh := flag.Bool("fresh", false, "Re-verify the local reference tree against the remote at open time")
	flag.Parse()

	if *cache == "" || *state == "" || *remote == "" {
		fmt.Println("Usage: mrklcat -cache <path> -state <path> -remote <url> [flags]")
		fmt.Println("Flags:")
		flag.PrintDefaults()
		return
	}

	opts := []mrklcache.Option{}
	if *token != "" {
		opts = append(opts, mrklcache.WithHTTPToken(*token))
	}
	if *fresh {
		opts = append(opts, mrklcache.WithFreshnessCheck())
	}

	ctx := context.Background()
	vc, err := mrklcache.Open(ctx, *cache, *state, *remote, opts...)
	if err != nil {
		log.Fatalf("Failed to open mirror: %v", err)
	}
	defer func() {
		if err := vc.Close(); err != nil {
			log.Printf("Failed to close mirror: %v", err)
		}
	}()

	size := vc.Size()
	if *offset >= size {
		log.Fatalf("Invalid offset: %d (mirror size: %d)", *offset, size)
	}

	readLength := *length
	if remaining := size - *offset; readLength > remaining {
		readLength = remaining
		fmt.Printf("Warning: requested length %d exceeds available bytes (%d). Dumping %d bytes.\n",
			*length, remaining, readLength)
	}

	buf, err := vc.ReadAt(ctx, *offset, readLength)
	if err != nil {
		log.Fatalf("Read error: %v", err)
	}
	n := len(buf)

	fmt.Printf("Dumping %d bytes at offset 0x%x (%d) of %s (size: %d bytes):\n",
		n, *offset, *offset, *remote, size)

	for i := 0; i < n; i += 16 {
		end := i + 16
		if end > n {
			end = n
		}
		chunk := buf[i:end]

		fmt.Printf("%08x: ", *offset+uint64(i))
		for j := 0; j < 16; j++ {
			if j < len(chunk) {
				fmt.Printf("%02x ", chunk[j])
			} else {
				fmt.Print("   ")
			}
			if j == 7 {
				fmt.Print(" ")
			}
		}
		fmt.Print(" |")

		for _, b := range chunk {
			if b >= 32 && b <= 126 {
				fmt.Printf("%c", b)
			} else {
				fmt.Print(".")
			}
		}
		fmt.Println("|")
	}

	if failures := vc.IntegrityFailures(); failures > 0 {
		fmt.Printf("integrity failures this session: %d\n", failures)
	}
}
