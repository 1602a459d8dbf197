// Command etchvm loads a compiled program image and runs it (§6.2).
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/kunitoki/etch/internal/bytecode"
	"github.com/kunitoki/etch/internal/cache"
	"github.com/kunitoki/etch/internal/diag"
	"github.com/kunitoki/etch/internal/hooks/stream"
	"github.com/kunitoki/etch/internal/vm"
	"github.com/kunitoki/etch/internal/vmconfig"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("etchvm", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "emit diagnostic logging and a final heap report")
	maxCallDepth := fs.Int("max-call-depth", 0, "override the call-stack depth limit (0 = default)")
	gcFrameBudget := fs.Duration("gc-frame-budget", 0, "start a GC frame budget of this length via VM.BeginFrame (no incremental GC steps are run; collection stays eager)")
	debugAddr := fs.String("debug-listen", "", "serve a debugger/profiler websocket hook on this address (e.g. :4040)")
	cachePath := fs.String("cache", "", "path to a sqlite program-image cache (populated on first load, reused after)")
	fs.Parse(argv)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: etchvm [flags] <program.etch>")
		return 2
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "etchvm: %v\n", err)
		return 1
	}

	program, err := loadProgram(raw, *cachePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etchvm: load failed: %v\n", err)
		return 1
	}

	opts := vmconfig.Options{
		Verbose:       *verbose,
		MaxCallDepth:  *maxCallDepth,
		GCFrameBudget: *gcFrameBudget,
	}

	var hook vm.Hook
	if *debugAddr != "" {
		log := diag.New(os.Stderr, diag.LevelInfo).WithPrefix("debug")
		h, closeFn, err := serveDebugHook(*debugAddr, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "etchvm: debug listener failed: %v\n", err)
			return 1
		}
		defer closeFn()
		hook = h
	}

	machine := vm.New(program, opts, os.Stdout, hook, nil)

	if *gcFrameBudget > 0 {
		machine.BeginFrame(*gcFrameBudget)
	}

	code, err := machine.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "etchvm: %v\n", err)
		return 1
	}
	return code
}

// loadProgram decodes raw into a *bytecode.Program, optionally consulting a
// sqlite-backed cache keyed by the image's own header hashes (domain stack
// #1). raw has already been read in full, so a hit only decodes the cached
// copy instead of raw; a miss decodes raw and populates the cache.
func loadProgram(raw []byte, cachePath string) (*bytecode.Program, error) {
	if cachePath == "" {
		return bytecode.Decode(bytes.NewReader(raw))
	}

	store, err := cache.Open(cachePath)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	hdr, err := bytecode.ReadHeader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	if cached, ok, err := store.Lookup(hdr.SourceHash, hdr.CompilerVersionHash); err == nil && ok {
		if p, err := bytecode.Decode(bytes.NewReader(cached)); err == nil {
			return p, nil
		}
		// Cached entry no longer decodes (stale format); fall through and
		// re-derive from raw, overwriting it below.
		_ = store.Evict(hdr.SourceHash)
	}

	program, err := bytecode.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if err := store.Put(hdr.SourceHash, hdr.CompilerVersionHash, raw); err != nil {
		return nil, fmt.Errorf("populate cache: %w", err)
	}
	return program, nil
}

// serveDebugHook starts a one-shot HTTP server that upgrades its first
// connection to a websocket-backed Hook, blocking until a debugger client
// attaches (domain stack #2, internal/hooks/stream).
func serveDebugHook(addr string, log *diag.Logger) (vm.Hook, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	connCh := make(chan *stream.Hook, 1)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h, err := stream.Upgrade(w, r, log)
			if err != nil {
				log.Errorf("debug upgrade failed: %v", err)
				return
			}
			select {
			case connCh <- h:
			default:
				h.Close()
			}
		}),
	}
	go func() { _ = srv.Serve(ln) }()

	select {
	case h := <-connCh:
		return h, func() { h.Close(); srv.Close() }, nil
	case <-time.After(30 * time.Second):
		srv.Close()
		return nil, nil, fmt.Errorf("no debugger client connected within 30s")
	}
}
