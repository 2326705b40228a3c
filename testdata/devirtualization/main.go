package main

type Closer interface {
	Close() error
}

type File struct {
	open bool
}

func (f *File) Close() error {
	f.open = false
	return nil
}

func open() Closer {
	return &File{open: true}
}

func leak(f *File) {
	f.open = true
}

func main() {
	c := open()
	_ = c.Close()
}
