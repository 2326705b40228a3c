package main

type Animal interface {
	Sound() string
}

type Loud interface {
	Animal
	Volume() int
}

type Pig struct{}

func (Pig) Sound() string { return "oink" }

type Siren struct{}

func (Siren) Sound() string { return "wail" }

func (Siren) Volume() int { return 11 }

type Cow struct{}

func (Cow) Sound() string { return "moo" }

func pen() []Animal {
	return []Animal{Pig{}, Siren{}}
}

func main() {
	for _, a := range pen() {
		if l, ok := a.(Loud); ok {
			println(l.Volume())
			continue
		}
		println(a.Sound())
	}
}
