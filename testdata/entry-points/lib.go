// Package lib exposes a service lifecycle without a main function;
// reachability starts at configured entry points.
package lib

func Start() {
	run()
}

func run() {
	println("running")
}

func Shutdown() {
	println("bye")
}

func helper() {
	println("helping")
}
