package main

import "example.com/multi/internal/store"

func main() {
	store.Open()
}
