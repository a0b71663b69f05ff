package devtable

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a table file.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

// FormatFor picks the format from the file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Load reads and parses the table at path.
func Load(path string) (*Table, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load device table: %w", err)
	}
	t, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a table document.
func Parse(data []byte, format Format) (*Table, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("YAML parse error: %w", err)
		}
	case FormatTOML:
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("TOML parse error: %w", err)
		}
		doc = m
	default:
		return nil, ErrUnknownFormat
	}

	keys := make(map[string]any)
	flatten("", doc, keys)
	return FromKeys(keys)
}

// FromKeys builds a table from flattened dotted keys.
func FromKeys(keys map[string]any) (*Table, error) {
	t := &Table{}
	for _, bt := range []BusType{SPI, I2C} {
		entries, err := section(keys, bt)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			t.Add(bt, e)
		}
	}
	return t, nil
}

func section(keys map[string]any, bt BusType) ([]Entry, error) {
	prefix := bt.String()

	count, ok, err := intKey(keys, prefix+".count")
	if err != nil {
		return nil, err
	}
	if !ok {
		count = implicitCount(keys, prefix)
	}

	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		base := prefix + "." + strconv.Itoa(i)

		bus, ok, err := intKey(keys, base+".bus")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s.bus missing", ErrInvalidEntry, base)
		}

		chip, ok, err := intKey(keys, base+".chip")
		if err != nil {
			return nil, err
		}
		if !ok && bt == I2C {
			chip, ok, err = intKey(keys, base+".address")
			if err != nil {
				return nil, err
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s.chip missing", ErrInvalidEntry, base)
		}

		host, _ := keys[base+".remote.host"].(string)
		if host == "" {
			return nil, fmt.Errorf("%w: %s.remote.host missing", ErrInvalidEntry, base)
		}
		port, ok, err := intKey(keys, base+".remote.port")
		if err != nil {
			return nil, err
		}
		if !ok || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: %s.remote.port missing or out of range", ErrInvalidEntry, base)
		}

		entries = append(entries, Entry{Bus: bus, Chip: chip, Remote: Endpoint{Host: host, Port: port}})
	}
	return entries, nil
}

// implicitCount counts consecutive indices from zero that define a bus.
func implicitCount(keys map[string]any, prefix string) int {
	n := 0
	for {
		if _, ok := keys[prefix+"."+strconv.Itoa(n)+".bus"]; !ok {
			return n
		}
		n++
	}
}

func intKey(keys map[string]any, key string) (int, bool, error) {
	v, ok := keys[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case uint64:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, false, fmt.Errorf("%w: %s is not an integer", ErrInvalidEntry, key)
		}
		return int(n), true, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 0, 0)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, key, err)
		}
		return int(i), true, nil
	}
	return 0, false, fmt.Errorf("%w: %s has type %T", ErrInvalidEntry, key, v)
}

// flatten writes every leaf of v into out under its dotted path. List
// elements are keyed by index.
func flatten(prefix string, v any, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch node := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(node) {
			flatten(join(k), node[k], out)
		}
	case map[any]any:
		for k, child := range node {
			flatten(join(fmt.Sprint(k)), child, out)
		}
	case []any:
		for i, child := range node {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	case []map[string]any:
		for i, child := range node {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	default:
		if prefix != "" {
			out[prefix] = v
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
