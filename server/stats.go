// Logic related to expvar handling: reporting live stats such as
// session and room counts, memory usage etc.
// The stats updates happen in a separate go routine to avoid
// locking on main logic routines.

package main

import (
	"expvar"
	"net/http"
	"runtime"
	"time"

	"github.com/converse-im/converse/server/logs"
)

type varUpdate struct {
	// Name of the variable to update
	varname string
	// Integer value to publish
	count int64
	// Treat the count as an increment as opposite to the final value.
	inc bool
}

// No need to synchronize access: the channel is written from many
// goroutines but assigned once at startup and cleared once at shutdown.
var statsUpdate chan *varUpdate

// Initialize stats reporting through expvar.
func statsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	mux.Handle(path, expvar.Handler())
	statsUpdate = make(chan *varUpdate, 1024)

	start := time.Now()
	expvar.Publish("Uptime", expvar.Func(func() any {
		return time.Since(start).Seconds()
	}))
	expvar.Publish("NumGoroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	go statsUpdater()

	logs.Info.Printf("stats: variables exposed at '%s'", path)
}

// Register integer variable. Skip if already published: constructors
// may be called more than once in one process.
func statsRegisterInt(name string) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, new(expvar.Int))
	}
}

// Async publish int variable.
func statsSet(name string, val int64) {
	if statsUpdate != nil {
		select {
		case statsUpdate <- &varUpdate{name, val, false}:
		default:
		}
	}
}

// Async publish an increment (decrement) to int variable.
func statsInc(name string, val int) {
	if statsUpdate != nil {
		select {
		case statsUpdate <- &varUpdate{name, int64(val), true}:
		default:
		}
	}
}

// Stop publishing stats.
func statsShutdown() {
	if statsUpdate != nil {
		statsUpdate <- nil
	}
}

// The go routine which actually publishes stats updates.
func statsUpdater() {
	for upd := range statsUpdate {
		if upd == nil {
			statsUpdate = nil
			// Dont' care to close the channel.
			break
		}

		// Handle var update
		if ev := expvar.Get(upd.varname); ev != nil {
			// Intentional panic if the ev is not *expvar.Int.
			intvar := ev.(*expvar.Int)
			if upd.inc {
				intvar.Add(upd.count)
			} else {
				intvar.Set(upd.count)
			}
		} else {
			panic("stats: update to unknown variable " + upd.varname)
		}
	}

	logs.Info.Println("stats: shutdown")
}
