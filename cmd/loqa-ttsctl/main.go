package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'health', 'synth' or 'version'")
		os.Exit(2)
	}

	var (
		addr    string
		timeout time.Duration
	)
	healthCmd := flag.NewFlagSet("health", flag.ExitOnError)
	healthCmd.StringVar(&addr, "addr", "http://127.0.0.1:8880", "Base URL of the loqa-tts daemon")
	healthCmd.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	var opts synthOptions
	synthCmd := flag.NewFlagSet("synth", flag.ExitOnError)
	synthCmd.StringVar(&opts.Addr, "addr", "http://127.0.0.1:8880", "Base URL of the loqa-tts daemon")
	synthCmd.StringVar(&opts.NATSURL, "nats", "", "Send the request over NATS instead of HTTP")
	synthCmd.StringVar(&opts.Subject, "subject", "tts.request", "NATS request subject")
	synthCmd.StringVar(&opts.Text, "text", "", "Text to synthesize")
	synthCmd.StringVar(&opts.Voice, "voice", "", "Voice name (default: server default)")
	synthCmd.StringVar(&opts.Out, "out", "out.wav", "Output WAV path")
	synthCmd.DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "Request timeout")

	switch os.Args[1] {
	case "health":
		_ = healthCmd.Parse(os.Args[2:])
		body, err := runHealth(addr, timeout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(body)
	case "synth":
		_ = synthCmd.Parse(os.Args[2:])
		n, err := runSynth(opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %d bytes to %s\n", n, opts.Out)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}
