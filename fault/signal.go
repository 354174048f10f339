// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fault

import (
	"os"
	"os/signal"
	"sync"
)

// handlerFunc runs on the dispatch goroutine of the signal it is registered
// for.
type handlerFunc func(sig os.Signal)

type sigHandler struct {
	c  chan os.Signal
	fn handlerFunc
}

var registry = struct {
	sync.Mutex
	m map[os.Signal]*sigHandler
}{m: map[os.Signal]*sigHandler{}}

// catchSignal installs fn as the handler for sig and returns the handler it
// replaced, nil if there was none.
//
// The handler stays installed after a delivery. An instance of sig arriving
// while fn runs is queued and handled after fn returns, it never interrupts
// fn. Like standard signals, queued instances do not pile up, at most one
// is pending.
func catchSignal(sig os.Signal, fn handlerFunc) handlerFunc {
	registry.Lock()
	defer registry.Unlock()
	if h := registry.m[sig]; h != nil {
		prev := h.fn
		h.fn = fn
		return prev
	}
	h := &sigHandler{c: make(chan os.Signal, 1), fn: fn}
	registry.m[sig] = h
	signal.Notify(h.c, sig)
	go h.loop()
	return nil
}

// resetSignal restores the default disposition of sig and returns the
// handler that was installed, nil if there was none. Safe to call from
// inside a handler.
func resetSignal(sig os.Signal) handlerFunc {
	registry.Lock()
	defer registry.Unlock()
	h := registry.m[sig]
	if h == nil {
		return nil
	}
	delete(registry.m, sig)
	signal.Stop(h.c)
	signal.Reset(sig)
	close(h.c)
	return h.fn
}

func (h *sigHandler) loop() {
	for s := range h.c {
		registry.Lock()
		fn := h.fn
		registry.Unlock()
		fn(s)
	}
}
