// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// crashweb implements a simulation of a web server that faults.
//
// It arms the fault package, starts a web server, a few handlers and a few
// hanging clients, then dies through a deferred HandlePanic. The report and
// the goroutine dump that follows are what crashcatch is made to scan.
//
// It also serves the webfault handler so the fault state can be inspected
// while the server is still alive.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"

	"github.com/netatalk/crashcatch/cmd/crashweb/internal"
	"github.com/netatalk/crashcatch/fault"
	"github.com/netatalk/crashcatch/fault/webfault"
)

func main() {
	defer fault.HandlePanic()
	allowremote := flag.Bool("allowremote", false, "allows access from non-localhost; implies -wait")
	sleep := flag.Bool("wait", false, "sleep instead of crashing")
	port := flag.Int("port", 0, "specify a port number, defaults to a ephemeral port; implies -wait")
	limit := flag.Bool("limit", false, "throttle, port limit")
	flag.Parse()

	fault.Setup(func(interface{}) {
		// Last chance to say goodbye to the clients.
		fmt.Println("flushing buffers")
	})

	if *port != 0 || *allowremote {
		*sleep = true
	}
	addr := fmt.Sprintf(":%d", *port)
	if !*allowremote {
		addr = "localhost" + addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on localhost: %v", err)
	}
	http.HandleFunc("/url1", internal.Parked1Handler)
	http.HandleFunc("/url2", internal.Parked2Handler)
	if *limit {
		// This is similar to ExampleSnapshotHandler_complex in
		// fault/webfault, albeit form values are not altered.
		const delay = time.Second
		mu := sync.Mutex{}
		var last time.Time
		http.HandleFunc("/debug/fault", func(w http.ResponseWriter, req *http.Request) {
			// Only allow requests from localhost or in the 100.64.x.x/10 IPv4
			// range (e.g. Tailscale).
			ok := false
			if i := strings.LastIndexByte(req.RemoteAddr, ':'); i != -1 {
				switch ip := req.RemoteAddr[:i]; ip {
				case "localhost", "127.0.0.1", "[::1]", "::1":
					ok = true
				default:
					p := net.ParseIP(ip).To4()
					ok = p != nil && p[0] == 100 && p[1] >= 64 && p[1] < 128
				}
			}
			log.Printf("- %s: %t", req.RemoteAddr, ok)
			if !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			// Serialize the handler.
			mu.Lock()
			defer mu.Unlock()

			// Throttle requests.
			if time.Since(last) < delay {
				http.Error(w, "retry later", http.StatusTooManyRequests)
				return
			}

			webfault.SnapshotHandler(w, req)
			last = time.Now()
		})
	} else {
		http.HandleFunc("/debug/fault", webfault.SnapshotHandler)
	}
	go http.Serve(ln, http.DefaultServeMux)

	// Start many clients.
	url := "http://" + ln.Addr().String() + "/"
	for i := 0; i < 10; i++ {
		internal.GetAsync(url + "url1")
	}
	for i := 0; i < 3; i++ {
		internal.GetAsync(url + "url2")
	}

	// Try to get something hung in package golang.org/x/sys/unix.
	wait := make(chan struct{})
	go func() {
		wait <- struct{}{}
		sysHang()
	}()
	<-wait

	// It's convoluted but colorable is the only go module used by crashcatch
	// that is both versioned and can be hacked to call back user code.
	w := writeHang{hung: make(chan struct{}), unblock: make(chan struct{})}
	v := colorable.NewNonColorable(&w)
	go v.Write([]byte("foo bar"))
	<-w.hung

	if *sleep {
		fmt.Printf("Inspect:\n- %sdebug/fault\n- %sdebug/fault?goroutines=1\n", url, url)
		<-make(chan struct{})
	} else {
		panic("Here's a report of a normal web server.")
	}
}

type writeHang struct {
	hung    chan struct{}
	unblock chan struct{}
}

func (w *writeHang) Write(b []byte) (int, error) {
	runtime.LockOSThread()
	w.hung <- struct{}{}
	<-w.unblock
	return 0, nil
}
