package main

func main() {
	jump()
}

// jump is implemented in jump.s.
func jump()

// target is called from the assembly body of jump and has no Go call site.
func target() {
	println("landed")
}

func orphan() {}
