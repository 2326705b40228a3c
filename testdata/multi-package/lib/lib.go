package lib

func Public() {
	println("api")
}

func helper() {
	println("internal detail")
}
