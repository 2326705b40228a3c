package main

type Stringer interface {
	String() string
}

type Name struct {
	v string
}

func (n Name) String() string { return n.v }

type ID struct {
	n int
}

func (ID) String() string { return "id" }

func describe[T Stringer](v T) string {
	return v.String()
}

func main() {
	println(describe(Name{v: "gopher"}))
}
