package main

func main() {
	greet("gopher")
}

func greet(name string) {
	println("hello", name)
}

func helper() {
	println("never called")
}

func Exported() {
	println("public but unused")
}
