package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LabelMap maps a class index to its category name.
type LabelMap map[int]string

// Lookup returns the label for idx.
func (m LabelMap) Lookup(idx int) (string, error) {
	label, ok := m[idx]
	if !ok {
		return "", &UnknownClassIndexError{Index: idx}
	}
	return label, nil
}

// Labels returns the category names ordered by class index.
func (m LabelMap) Labels() []string {
	out := make([]string, len(m))
	for i := range out {
		out[i] = m[i]
	}
	return out
}

// ParseLabelMap parses a JSON object such as {"0": "dress", "1": "shoe"}.
// Keys must be the integers 0..n-1.
func ParseLabelMap(data []byte) (LabelMap, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse label map: %w", err)
	}
	m := make(LabelMap, len(raw))
	keys := make(map[int]string, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("label map key %q is not a class index", k)
		}
		if idx < 0 {
			return nil, fmt.Errorf("label map key %q is negative", k)
		}
		if prev, ok := keys[idx]; ok {
			return nil, fmt.Errorf("label map keys %q and %q both name class %d", prev, k, idx)
		}
		keys[idx] = k
		m[idx] = v
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LabelMapFromLines builds a label map from one label per line, the line
// number being the class index. Blank lines are skipped.
func LabelMapFromLines(data []byte) (LabelMap, error) {
	m := make(LabelMap)
	for _, l := range strings.Split(string(data), "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			m[len(m)] = l
		}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadLabelMap loads a label map from path. Files ending in .txt hold one
// label per line, anything else is read as a JSON object.
func ReadLabelMap(path string) (LabelMap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		return LabelMapFromLines(b)
	}
	return ParseLabelMap(b)
}

func (m LabelMap) validate() error {
	if len(m) == 0 {
		return fmt.Errorf("label map is empty")
	}
	for i := 0; i < len(m); i++ {
		if _, ok := m[i]; !ok {
			return fmt.Errorf("label map has no entry for class index %d", i)
		}
	}
	return nil
}
