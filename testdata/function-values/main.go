package main

type binop func(a, b int) int

func add(a, b int) int { return a + b }

func mul(a, b int) int { return a * b }

func sub(a, b int) int { return a - b }

func pick(name string) binop {
	if name == "mul" {
		return mul
	}
	return add
}

func main() {
	op := pick("mul")
	println(op(2, 3))
}
