// Command sumwire is a CLI client for the sumwire protocol.
//
// Usage:
//
//	sumwire -addr localhost:7450 echo "hello"
//	sumwire -addr localhost:7450 add 40 2
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sumwire/sumwire/pkg/client"
)

func main() {
	addr := flag.String("addr", "localhost:7450", "Server address (host:port)")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := client.Dial(ctx, *addr)
	if err != nil {
		fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	switch args[0] {
	case "echo":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		reply, err := c.Echo(ctx, args[1])
		if err != nil {
			fatalf("Echo failed: %v", err)
		}
		fmt.Println(reply)

	case "add":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		a, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fatalf("Invalid operand %q: %v", args[1], err)
		}
		b, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			fatalf("Invalid operand %q: %v", args[2], err)
		}
		sum, err := c.Add(ctx, a, b)
		if err != nil {
			fatalf("Add failed: %v", err)
		}
		fmt.Println(sum)

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] echo <message> | add <a> <b>\n", os.Args[0])
	flag.PrintDefaults()
}

func fatalf(format string, v ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", v...)
	os.Exit(1)
}
