package main

func main() {
	greet()
}

func greet() {
	println("hello")
}

//nolint:typeflow // kept while the wire format settles
func debugDump() {
	println("state")
}

//typeflow:ignore
func scratch() {
	println("scratch")
}

func stale() {
	println("stale")
}
