package main

type Speaker interface {
	Speak() string
}

type Dog struct{}

func (Dog) Speak() string { return "woof" }

type Cat struct{}

func (Cat) Speak() string { return "meow" }

// Bird satisfies Speaker but is never instantiated, so its method never
// receives a receiver type and stays dead.
type Bird struct{}

func (Bird) Speak() string { return "tweet" }

func pick(n int) Speaker {
	if n%2 == 0 {
		return Dog{}
	}
	return Cat{}
}

func main() {
	println(pick(len("x")).Speak())
}
