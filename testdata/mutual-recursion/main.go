package main

func main() {
	ping(3)
}

func ping(n int) {
	if n == 0 {
		return
	}
	pong(n - 1)
}

func pong(n int) {
	ping(n / 2)
}

func idle() {}
