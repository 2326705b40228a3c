package store

type DB struct {
	entries map[string]string
}

func Open() *DB {
	return &DB{entries: make(map[string]string)}
}

func (db *DB) Get(key string) string {
	return lookup(db.entries, key)
}

func lookup(entries map[string]string, key string) string {
	return entries[key]
}

func Drop() {}

func scratch() {}
