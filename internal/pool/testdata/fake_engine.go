package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Fake inference engine for subprocess tests. Speaks the worker protocol:
// prints READY on stdout once up, then answers one line per prompt line,
// terminated by the </s> marker. Magic prompts simulate failure modes:
//
//	CRASH  exit(3) immediately
//	HANG   never answer
//
// Environment knobs cover the startup paths:
//
//	FAKE_ENGINE_STARTUP_FAIL=1  write to stderr and exit(1) before READY
//	FAKE_ENGINE_NO_READY=1      come up but never print the ready marker
func main() {
	var model string
	// Accept the subset of llama-cli flags the spawner passes.
	flag.StringVar(&model, "m", "", "model path")
	flag.Int("n", 0, "max tokens")
	flag.Float64("temp", 0, "temperature")
	flag.Float64("top-p", 0, "top-p")
	flag.Int("top-k", 0, "top-k")
	flag.Float64("repeat-penalty", 0, "repeat penalty")
	flag.Float64("presence-penalty", 0, "presence penalty")
	flag.Float64("frequency-penalty", 0, "frequency penalty")
	flag.Int("c", 0, "context size")
	flag.Int("t", 0, "threads")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		os.Exit(0)
	}()

	fmt.Fprintf(os.Stderr, "fake engine: loading %s\n", model)
	if os.Getenv("FAKE_ENGINE_STARTUP_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "fake engine: cannot load model: file corrupt")
		os.Exit(1)
	}
	if os.Getenv("FAKE_ENGINE_NO_READY") == "1" {
		select {}
	}
	fmt.Fprintln(os.Stdout, "READY")

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		switch line {
		case "CRASH":
			fmt.Fprintln(os.Stderr, "fake engine: simulated crash")
			os.Exit(3)
		case "HANG":
			select {}
		default:
			fmt.Fprintf(os.Stdout, "echo: %s</s>", line)
		}
	}
}
