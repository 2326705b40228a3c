package main

import _ "unsafe"

func main() {
	println(active())
}

func active() string {
	return "on"
}

//go:linkname hiddenEntry
func hiddenEntry() {
	tick()
}

func tick() {}

// sighandler matches the runtime hook naming convention and is pinned even
// though no Go code calls it.
func sighandler() {}

func plainDead() {}
