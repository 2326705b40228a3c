package callgraph

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
)

// Artifacts start with a fixed magic and a format version so a stale or
// foreign file fails fast instead of feeding garbage to the decoder.
const (
	artifactMagic   = "tfcg"
	artifactVersion = 1
)

// Save writes the graph as a versioned, s2-compressed gob stream.
func (g *Graph) Save(w io.Writer) (err error) {
	if _, err := io.WriteString(w, artifactMagic); err != nil {
		return fmt.Errorf("callgraph: writing artifact header: %w", err)
	}
	if _, err := w.Write([]byte{artifactVersion}); err != nil {
		return fmt.Errorf("callgraph: writing artifact header: %w", err)
	}
	zw := s2.NewWriter(w)
	defer func() {
		if cerr := zw.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	if err := gob.NewEncoder(zw).Encode(g); err != nil {
		return fmt.Errorf("callgraph: encoding artifact: %w", err)
	}
	return nil
}

// Load reads a graph written by Save and rebuilds its indexes.
func Load(r io.Reader) (*Graph, error) {
	header := make([]byte, len(artifactMagic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("callgraph: reading artifact header: %w", err)
	}
	if string(header[:len(artifactMagic)]) != artifactMagic {
		return nil, errors.New("callgraph: not a call graph artifact")
	}
	if v := header[len(artifactMagic)]; v != artifactVersion {
		return nil, fmt.Errorf("callgraph: artifact version %d, expected %d", v, artifactVersion)
	}
	g := new(Graph)
	if err := gob.NewDecoder(s2.NewReader(r)).Decode(g); err != nil {
		return nil, fmt.Errorf("callgraph: decoding artifact: %w", err)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	g.ensureIndex()
	return g, nil
}
