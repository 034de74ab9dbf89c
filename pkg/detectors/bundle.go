package detectors

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"sync"
)

// Bundle is a trained model persisted together with the feature layout it
// was trained on.
type Bundle struct {
	Kind          string
	Schema        []string
	SchemaVersion string
	Threshold     float64
	Model         []byte
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Detector{}
)

// Register makes a detector kind loadable from bundles. It panics on a
// duplicate kind.
func Register(kind string, factory func() Detector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("detectors: Register called twice for " + kind)
	}
	registry[kind] = factory
}

// Kinds lists the registered detector kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewBundle serializes a trained detector.
func NewBundle(kind string, schema []string, version string, det Detector) (*Bundle, error) {
	model, err := det.Save()
	if err != nil {
		return nil, fmt.Errorf("save %s model: %w", kind, err)
	}
	threshold := DefaultThreshold
	if t, ok := det.(Thresholder); ok {
		threshold = t.Threshold()
	}
	return &Bundle{
		Kind:          kind,
		Schema:        slices.Clone(schema),
		SchemaVersion: version,
		Threshold:     threshold,
		Model:         model,
	}, nil
}

// SaveBundle writes b to w.
func SaveBundle(w io.Writer, b *Bundle) error {
	if err := gob.NewEncoder(w).Encode(b); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return nil
}

// LoadBundle reads a bundle written by SaveBundle.
func LoadBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := gob.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Kind == "" || len(b.Schema) == 0 {
		return nil, errors.New("decode bundle: missing kind or schema")
	}
	return &b, nil
}

// SaveBundleFile writes b to path.
func SaveBundleFile(path string, b *Bundle) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := SaveBundle(f, b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadBundleFile reads a bundle from path.
func LoadBundleFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadBundle(f)
}

// Detector instantiates the bundled model.
func (b *Bundle) Detector() (Detector, error) {
	registryMu.RLock()
	factory, ok := registry[b.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model kind %q (registered: %v)", b.Kind, Kinds())
	}
	det := factory()
	if err := det.Load(b.Model); err != nil {
		return nil, fmt.Errorf("load %s model: %w", b.Kind, err)
	}
	return det, nil
}

// Classifier instantiates the bundled model behind an AnomalyClassifier.
func (b *Bundle) Classifier() (*AnomalyClassifier, error) {
	det, err := b.Detector()
	if err != nil {
		return nil, err
	}
	return NewAnomalyClassifier(det, b.Threshold), nil
}
