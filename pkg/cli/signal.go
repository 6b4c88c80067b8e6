// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var interrupts = &interrupter{}

// interrupter turns the first interrupt into a graceful cancel when a
// command has registered one. Any further interrupt cancels the context.
type interrupter struct {
	mu       sync.Mutex
	graceful func()
}

// OnInterrupt registers fn for the next interrupt and returns a func that
// unregisters it.
func (i *interrupter) OnInterrupt(fn func()) func() {
	i.mu.Lock()
	i.graceful = fn
	i.mu.Unlock()
	return func() {
		i.mu.Lock()
		i.graceful = nil
		i.mu.Unlock()
	}
}

// interrupt handles one signal. It reports whether the context was cancelled.
func (i *interrupter) interrupt(cancel context.CancelFunc) bool {
	i.mu.Lock()
	fn := i.graceful
	i.graceful = nil
	i.mu.Unlock()

	if fn != nil {
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, cancelling after the current stage (interrupt again to stop now)...")
		fn()
		return false
	}
	fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
	cancel()
	return true
}

func (i *interrupter) watch(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				if i.interrupt(cancel) {
					return
				}
			}
		}
	}()
}
