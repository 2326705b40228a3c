package main

type Handler interface {
	Handle(msg string)
}

type Alpha struct{}

func (Alpha) Handle(msg string) { println("alpha", msg) }

type Beta struct{}

func (Beta) Handle(msg string) { println("beta", msg) }

type Gamma struct{}

func (Gamma) Handle(msg string) { println("gamma", msg) }

func all() []Handler {
	return []Handler{Alpha{}, Beta{}, Gamma{}}
}

func main() {
	for _, h := range all() {
		h.Handle("boot")
	}
}
